package main

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hako/durafmt"
)

// WalletLinkState mirrors the DISCONNECTED/CONNECTING/HANDSHAKE/READY states
// of SPEC_FULL §4.4, grounded on wallet_connection.cpp's connect/process_data
// pair turned into an explicit state machine.
type WalletLinkState int

const (
	LinkDisconnected WalletLinkState = iota
	LinkConnecting
	LinkHandshake
	LinkReady
)

func (s WalletLinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "DISCONNECTED"
	case LinkConnecting:
		return "CONNECTING"
	case LinkHandshake:
		return "HANDSHAKE"
	case LinkReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// PoolManagerLink is the subset of the pool manager the wallet link calls
// back into on BLOCK_HEIGHT/BLOCK_DATA (spec §4.6). Expressed as an
// interface so the link's protocol logic can be exercised without a real
// pool manager.
type PoolManagerLink interface {
	SetCurrentHeight(height uint32)
	SetBlock(tpl BlockTemplate)
	OnSubmissionAccepted(hash string)
	OnSubmissionRejected(hash string)
}

type blockFutureResult struct {
	template BlockTemplate
	err      error
}

type pendingMinerRequest struct {
	resultCh chan blockFutureResult
}

type submitRequest struct {
	hash   string
	finder string
	block  []byte
	nonce  []byte
}

// WalletLinkConfig configures the single wallet connection a process holds
// (invariant I1).
type WalletLinkConfig struct {
	Addr           string
	MiningMode     uint32 // 1 = PRIME, 2 = HASH, per SET_CHANNEL's payload
	RetryInterval  time.Duration
	HeightInterval time.Duration
}

// WalletLink is C4: a single-goroutine actor owning the wallet socket and
// the GET_BLOCK consumer arbitration invariant (I5). All mutable state is
// touched only from its own run loop; callers communicate exclusively
// through the exported channel-backed methods below, so no mutex guards the
// protocol state itself (spec §5: "owned by a single actor-like task; all
// mutations are messages").
type WalletLink struct {
	cfg      WalletLinkConfig
	consumer PoolManagerLink
	journal  *BlockJournal
	fastPath *ZMQFastPath

	minerGetBlockCh chan *pendingMinerRequest
	submitCh        chan submitRequest

	stateMu sync.RWMutex
	state   WalletLinkState

	// actor-owned; touched only inside Run's goroutine.
	currentHeight        uint32
	getBlockPoolManager  bool
	pendingMinerRequests []*pendingMinerRequest
	pendingSubmissions   []string // hashes, oldest first, matched against ACCEPT/REJECT in order
	retryCount           int
	firstFailureAt       time.Time
}

func NewWalletLink(cfg WalletLinkConfig, consumer PoolManagerLink, journal *BlockJournal) *WalletLink {
	return &WalletLink{
		cfg:             cfg,
		consumer:        consumer,
		journal:         journal,
		minerGetBlockCh: make(chan *pendingMinerRequest),
		submitCh:        make(chan submitRequest),
		state:           LinkDisconnected,
	}
}

// WithZMQFastPath attaches D1's fast-path watcher: a hashblock notification
// triggers an immediate GET_HEIGHT instead of waiting for the next tick.
func (w *WalletLink) WithZMQFastPath(fp *ZMQFastPath) *WalletLink {
	w.fastPath = fp
	return w
}

// fastPathTrigger returns the fast path's trigger channel, or nil if none is
// attached; a nil channel blocks forever in a select, which is exactly the
// no-op behavior wanted when D1 is disabled.
func (w *WalletLink) fastPathTrigger() <-chan struct{} {
	if w.fastPath == nil {
		return nil
	}
	return w.fastPath.Trigger()
}

func (w *WalletLink) State() WalletLinkState {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

func (w *WalletLink) setState(s WalletLinkState) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

// GetBlockForMiner enqueues this session as the next consumer of an
// upstream GET_BLOCK and blocks until a template arrives, the context is
// cancelled, or the request is superseded by a pool-manager refresh
// (StaleGeneration).
func (w *WalletLink) GetBlockForMiner(ctx context.Context) (BlockTemplate, error) {
	req := &pendingMinerRequest{resultCh: make(chan blockFutureResult, 1)}
	select {
	case w.minerGetBlockCh <- req:
	case <-ctx.Done():
		return BlockTemplate{}, ctx.Err()
	}
	select {
	case res := <-req.resultCh:
		return res.template, res.err
	case <-ctx.Done():
		return BlockTemplate{}, ctx.Err()
	}
}

// SubmitBlock journals the candidate as pending and forwards SUBMIT_BLOCK
// upstream. The matching ACCEPT/REJECT is observed asynchronously by Run.
func (w *WalletLink) SubmitBlock(ctx context.Context, hash, finder string, block, nonce []byte) error {
	select {
	case w.submitCh <- submitRequest{hash: hash, finder: finder, block: block, nonce: nonce}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the reconnect loop until ctx is cancelled, grounded on
// Wallet_connection::retry_connect and ::connect.
func (w *WalletLink) Run(ctx context.Context) {
	for ctx.Err() == nil {
		err := w.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		w.recordFailure(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.RetryInterval):
		}
	}
}

func (w *WalletLink) recordFailure(err error) {
	w.retryCount++
	if w.firstFailureAt.IsZero() {
		w.firstFailureAt = time.Now()
	}
	if w.retryCount%3 == 0 {
		elapsed := durafmt.Parse(time.Since(w.firstFailureAt)).LimitFirstN(2).String()
		logger.Warn("wallet link still disconnected", "attempts", w.retryCount, "elapsed", elapsed, "error", err)
	} else {
		logger.Warn("wallet link connection attempt failed", "error", err, "retry_in", w.cfg.RetryInterval)
	}
}

func (w *WalletLink) runConnection(ctx context.Context) error {
	w.setState(LinkConnecting)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", w.cfg.Addr)
	if err != nil {
		w.setState(LinkDisconnected)
		return &TransportError{Op: "dial", Err: err}
	}
	defer conn.Close()

	w.setState(LinkHandshake)
	if err := w.send(conn, Packet{Header: HeaderSetChannel, Payload: encodeUint32(w.cfg.MiningMode)}); err != nil {
		w.setState(LinkDisconnected)
		return err
	}
	w.setState(LinkReady)
	logger.Info("wallet link established", "addr", w.cfg.Addr)

	w.retryCount = 0
	w.firstFailureAt = time.Time{}
	w.resubmitPendingJournal(conn)

	reader := NewPacketReader(conn)
	packets := make(chan Packet)
	readErrs := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			p, err := reader.ReadPacket()
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case packets <- p:
			case <-readerDone:
				return
			}
		}
	}()

	heightTicker := time.NewTicker(w.cfg.HeightInterval)
	defer heightTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(LinkDisconnected)
			w.cancelPendingMinerRequests()
			return nil

		case err := <-readErrs:
			w.setState(LinkDisconnected)
			w.cancelPendingMinerRequests()
			return &TransportError{Op: "read", Err: err}

		case p := <-packets:
			if err := w.handlePacket(conn, p); err != nil {
				w.setState(LinkDisconnected)
				w.cancelPendingMinerRequests()
				return err
			}

		case <-heightTicker.C:
			if err := w.send(conn, Packet{Header: HeaderGetHeight}); err != nil {
				w.setState(LinkDisconnected)
				w.cancelPendingMinerRequests()
				return err
			}

		case <-w.fastPathTrigger():
			heightTicker.Reset(w.cfg.HeightInterval)
			if err := w.send(conn, Packet{Header: HeaderGetHeight}); err != nil {
				w.setState(LinkDisconnected)
				w.cancelPendingMinerRequests()
				return err
			}

		case req := <-w.minerGetBlockCh:
			w.pendingMinerRequests = append(w.pendingMinerRequests, req)
			if err := w.send(conn, Packet{Header: HeaderGetBlock}); err != nil {
				w.setState(LinkDisconnected)
				w.cancelPendingMinerRequests()
				return err
			}

		case sub := <-w.submitCh:
			blockHex, nonceHex := hex.EncodeToString(sub.block), hex.EncodeToString(sub.nonce)
			if err := w.journal.RecordPending(w.currentHeight, sub.hash, sub.finder, blockHex, nonceHex); err != nil {
				logger.Error("block journal record pending", "error", err)
			}
			w.pendingSubmissions = append(w.pendingSubmissions, sub.hash)
			logger.Info("submitting block upstream", "hash", sub.hash, "finder", sub.finder)
			if err := w.send(conn, Packet{Header: HeaderSubmitBlock, Payload: joinSubmitPayload(sub.block, sub.nonce)}); err != nil {
				w.setState(LinkDisconnected)
				w.cancelPendingMinerRequests()
				return err
			}
		}
	}
}

// handlePacket is Wallet_connection::process_data translated into Go,
// packet by packet.
func (w *WalletLink) handlePacket(conn io.Writer, p Packet) error {
	switch p.Header {
	case HeaderPing:
		return w.send(conn, Packet{Header: HeaderPing})

	case HeaderBlockHeight:
		height, err := decodeUint32(p.Payload)
		if err != nil {
			return err
		}
		if height > w.currentHeight {
			w.currentHeight = height
			logger.Info("new block height from wallet network", "height", height)
			w.consumer.SetCurrentHeight(height)
			w.getBlockPoolManager = true
			w.cancelPendingMinerRequests()
			return w.send(conn, Packet{Header: HeaderGetBlock})
		}
		w.consumer.SetCurrentHeight(w.currentHeight)
		return nil

	case HeaderBlockData:
		tpl, err := parseBlockTemplate(p.Payload)
		if err != nil {
			return err
		}
		if w.getBlockPoolManager {
			w.getBlockPoolManager = false
			w.consumer.SetBlock(tpl)
			return nil
		}
		if tpl.Height != w.currentHeight {
			logger.Warn("block data obsolete, discarding for pending miner", "template_height", tpl.Height, "current_height", w.currentHeight)
			return nil
		}
		if len(w.pendingMinerRequests) == 0 {
			logger.Warn("block data received with no pending consumer, discarding")
			return nil
		}
		req := w.pendingMinerRequests[0]
		w.pendingMinerRequests = w.pendingMinerRequests[1:]
		req.resultCh <- blockFutureResult{template: tpl}
		return nil

	case HeaderAccept:
		logger.Info("block accepted by wallet network")
		w.popSubmission(func(hash string) {
			if err := w.journal.MarkAccepted(hash); err != nil {
				logger.Error("block journal mark accepted", "hash", hash, "error", err)
			}
			w.consumer.OnSubmissionAccepted(hash)
		})
		return nil

	case HeaderReject:
		logger.Warn("block rejected by wallet network")
		w.popSubmission(func(hash string) {
			if err := w.journal.MarkRejected(hash); err != nil {
				logger.Error("block journal mark rejected", "hash", hash, "error", err)
			}
			w.consumer.OnSubmissionRejected(hash)
		})
		return w.send(conn, Packet{Header: HeaderGetBlock})

	default:
		return &ProtocolError{State: "ready", Got: p.Header}
	}
}

func (w *WalletLink) popSubmission(apply func(hash string)) {
	if len(w.pendingSubmissions) == 0 {
		return
	}
	hash := w.pendingSubmissions[0]
	w.pendingSubmissions = w.pendingSubmissions[1:]
	apply(hash)
}

// cancelPendingMinerRequests fulfils every queued miner GET_BLOCK with
// StaleGeneration, either because a pool-manager refresh superseded them
// (I5) or because the link just dropped.
func (w *WalletLink) cancelPendingMinerRequests() {
	for _, req := range w.pendingMinerRequests {
		req.resultCh <- blockFutureResult{err: &StaleGeneration{}}
	}
	w.pendingMinerRequests = nil
}

// resubmitPendingJournal resends every still-pending block candidate right
// after a (re)connect, closing the gap the distilled spec's §9(c) flags: a
// candidate found while the link was down must not be lost.
func (w *WalletLink) resubmitPendingJournal(conn io.Writer) {
	// Submissions sent on the previous connection get no ACCEPT/REJECT on
	// this one; the journal's pending entries below replace them.
	w.pendingSubmissions = nil
	pending, err := w.journal.PendingEntries()
	if err != nil {
		logger.Error("block journal read on reconnect", "error", err)
		return
	}
	for _, rec := range pending {
		block, err1 := hex.DecodeString(rec.BlockHex)
		nonce, err2 := hex.DecodeString(rec.NonceHex)
		if err1 != nil || err2 != nil {
			logger.Error("block journal malformed pending entry", "hash", rec.Hash)
			continue
		}
		logger.Info("resubmitting pending block candidate after reconnect", "hash", rec.Hash)
		w.pendingSubmissions = append(w.pendingSubmissions, rec.Hash)
		if err := w.send(conn, Packet{Header: HeaderSubmitBlock, Payload: joinSubmitPayload(block, nonce)}); err != nil {
			logger.Error("resubmit pending block candidate", "error", err)
		}
	}
}

func (w *WalletLink) send(conn io.Writer, p Packet) error {
	if _, err := conn.Write(p.Encode()); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}
