package main

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"time"
)

// blockCandidateInfo is what SubmitBlockCandidate remembers about an
// in-flight upstream submission so OnSubmissionAccepted/Rejected can finish
// the bookkeeping once the wallet confirms it.
type blockCandidateInfo struct {
	finder  string
	height  uint32
	roundID int64
}

// PoolManager is C6: owns current_height, current_template and the wallet
// link, and arbitrates GET_BLOCK between its own new-height refresh and the
// miner FIFO (invariant I5, delegated to WalletLink).
type PoolManager struct {
	registry          *SessionRegistry
	walletLink        *WalletLink
	bus               *CommandBus
	notifier          *DiscordNotifier
	difficultyDivider int64

	mu              sync.RWMutex
	currentHeight   uint32
	currentTemplate BlockTemplate

	roundMu sync.Mutex

	candidatesMu sync.Mutex
	candidates   map[string]blockCandidateInfo
}

func NewPoolManager(registry *SessionRegistry, walletLink *WalletLink, bus *CommandBus, notifier *DiscordNotifier, difficultyDivider int64) *PoolManager {
	if difficultyDivider <= 0 {
		difficultyDivider = 1
	}
	return &PoolManager{
		registry:          registry,
		walletLink:        walletLink,
		bus:               bus,
		notifier:          notifier,
		difficultyDivider: difficultyDivider,
		candidates:        make(map[string]blockCandidateInfo),
	}
}

// SetCurrentHeight implements PoolManagerLink. Monotone (I2): a height below
// the current one is dropped; an equal height leaves the value unchanged but
// is still broadcast to sessions, which serves the wallet link's "else
// rebroadcast" branch (it calls this with the unchanged height).
func (p *PoolManager) SetCurrentHeight(height uint32) {
	p.mu.Lock()
	if height < p.currentHeight {
		p.mu.Unlock()
		return
	}
	p.currentHeight = height
	p.mu.Unlock()

	p.registry.Broadcast(func(s *MinerSession) {
		s.NotifyHeightChanged(height)
	})
}

// SetBlock implements PoolManagerLink. Validates template.height ==
// current_height (I4); a stale template is logged and discarded rather than
// distributed.
func (p *PoolManager) SetBlock(tpl BlockTemplate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tpl.Height != p.currentHeight {
		logger.Warn("block obsolete, skipping", "template_height", tpl.Height, "current_height", p.currentHeight)
		return
	}
	p.currentTemplate = tpl
}

// CurrentHeight returns the pool manager's own view of current_height, used
// by a miner session to check "template id matches current template" at
// SUBMIT_SHARE time.
func (p *PoolManager) CurrentHeight() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentHeight
}

// ShareTarget derives this pool's much-easier per-share target from a
// template's network target: share_target = network_target * divider, a
// larger number being an easier-to-meet threshold (SPEC_FULL §4.6,
// pool_config.difficulty_divider).
func (p *PoolManager) ShareTarget(tpl BlockTemplate) *big.Int {
	if tpl.Difficulty == nil {
		return nil
	}
	return new(big.Int).Mul(tpl.Difficulty, big.NewInt(p.difficultyDivider))
}

// GetBlockForSession serves a miner's GET_BLOCK: an immediate copy if
// current_template is fresh for current_height, otherwise it queues on the
// wallet link's miner FIFO and waits.
func (p *PoolManager) GetBlockForSession(ctx context.Context) (BlockTemplate, error) {
	p.mu.RLock()
	fresh := p.currentHeight != 0 && p.currentTemplate.Height == p.currentHeight
	tpl := p.currentTemplate
	p.mu.RUnlock()
	if fresh {
		return tpl, nil
	}
	return p.walletLink.GetBlockForMiner(ctx)
}

// SubmitBlockCandidate forwards a block candidate found by a miner upstream
// via the wallet link (C4). The candidate is recorded in the block table
// optimistically, before the wallet has confirmed ACCEPT/REJECT, the same
// way the D2 journal records it pending: losing the process between here
// and the confirmation must never lose the finder's credit.
func (p *PoolManager) SubmitBlockCandidate(ctx context.Context, digest [32]byte, height uint32, finder string, block, nonce []byte) error {
	hash := hex.EncodeToString(digest[:])

	roundID, err := p.currentRound(ctx, height)
	if err != nil {
		logger.Error("resolve current round for block candidate", "error", err)
	}

	p.candidatesMu.Lock()
	p.candidates[hash] = blockCandidateInfo{finder: finder, height: height, roundID: roundID}
	p.candidatesMu.Unlock()

	if _, err := p.bus.Submit(ctx, RecordBlockCandidateCmd{
		Height: height, Hash: hash, Finder: finder, RoundID: roundID,
	}); err != nil {
		logger.Error("record block candidate", "error", err)
	}

	return p.walletLink.SubmitBlock(ctx, hash, finder, block, nonce)
}

// OnSubmissionAccepted implements the remaining PoolManagerLink method: the
// wallet has confirmed a block this pool found. Opens the next round so
// later candidates are attributed to it rather than the one that just paid
// out (spec §4.6).
func (p *PoolManager) OnSubmissionAccepted(hash string) {
	p.candidatesMu.Lock()
	info, ok := p.candidates[hash]
	delete(p.candidates, hash)
	p.candidatesMu.Unlock()
	if !ok {
		logger.Warn("submission accepted for unknown candidate", "hash", hash)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.roundMu.Lock()
	if info.roundID != 0 {
		if _, err := p.bus.Submit(ctx, CloseRoundCmd{ID: info.roundID}); err != nil {
			logger.Error("close paid-out round", "error", err, "round_id", info.roundID)
		}
	}
	if _, err := p.bus.Submit(ctx, CreateRoundCmd{Height: info.height + 1}); err != nil {
		logger.Error("open next round after accepted block", "error", err)
	}
	p.roundMu.Unlock()

	if p.notifier != nil {
		p.notifier.NotifyBlockFound(info.height, hash, info.finder)
		p.notifier.NotifyRoundClosed(info.height, info.roundID)
	}
}

// OnSubmissionRejected drops the bookkeeping for a candidate the wallet
// rejected; its block-table row stays recorded with accepted=false for the
// operator to audit, and the finder simply never sees payout credit for it.
func (p *PoolManager) OnSubmissionRejected(hash string) {
	p.candidatesMu.Lock()
	_, ok := p.candidates[hash]
	delete(p.candidates, hash)
	p.candidatesMu.Unlock()
	if ok {
		logger.Warn("block candidate rejected by wallet network", "hash", hash)
	}
}

// currentRound returns the id of the currently open round, opening one at
// height if none exists yet.
func (p *PoolManager) currentRound(ctx context.Context, height uint32) (int64, error) {
	p.roundMu.Lock()
	defer p.roundMu.Unlock()

	latest, err := p.bus.Submit(ctx, GetLatestRoundCmd{})
	if err != nil {
		return 0, err
	}
	round := latest.(Round)
	if round.ID != 0 {
		return round.ID, nil
	}

	id, err := p.bus.Submit(ctx, CreateRoundCmd{Height: height})
	if err != nil {
		return 0, err
	}
	return id.(int64), nil
}
