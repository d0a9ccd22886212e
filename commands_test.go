package main

import (
	"context"
	"testing"
)

func TestRoundLifecycle(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	empty, err := bus.Submit(ctx, GetLatestRoundCmd{})
	if err != nil {
		t.Fatalf("get latest round on empty store: %v", err)
	}
	if empty.(Round).ID != 0 {
		t.Fatalf("expected a zero-value round, got %+v", empty)
	}

	id, err := bus.Submit(ctx, CreateRoundCmd{Height: 100})
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if id.(int64) == 0 {
		t.Fatalf("expected a nonzero round id")
	}

	latest, err := bus.Submit(ctx, GetLatestRoundCmd{})
	if err != nil {
		t.Fatalf("get latest round: %v", err)
	}
	if latest.(Round).Height != 100 {
		t.Fatalf("expected height 100, got %+v", latest)
	}
}

func TestRecordBlockCandidateAndGetLatestBlocks(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	roundIDAny, err := bus.Submit(ctx, CreateRoundCmd{Height: 42})
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	roundID := roundIDAny.(int64)

	if _, err := bus.Submit(ctx, RecordBlockCandidateCmd{
		Height: 42, Hash: "deadbeef", Finder: "addr1", RoundID: roundID,
	}); err != nil {
		t.Fatalf("record block candidate: %v", err)
	}

	blocksAny, err := bus.Submit(ctx, GetLatestBlocksCmd{Limit: 10})
	if err != nil {
		t.Fatalf("get latest blocks: %v", err)
	}
	blocks := blocksAny.([]Block)
	if len(blocks) != 1 || blocks[0].Hash != "deadbeef" {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
	if blocks[0].Accepted {
		t.Fatalf("a freshly recorded candidate should not be accepted yet")
	}
}

func TestPoolConfigRoundTrip(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := bus.Submit(ctx, CreateConfigCmd{MiningMode: "solo", PoolFeePercent: 1.5, DifficultyDivider: 256}); err != nil {
		t.Fatalf("create config: %v", err)
	}
	row, err := bus.Submit(ctx, GetConfigCmd{})
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	got := row.(PoolConfigRow)
	if got.MiningMode != "solo" || got.DifficultyDivider != 256 {
		t.Fatalf("unexpected config row: %+v", got)
	}

	if _, err := bus.Submit(ctx, UpdateConfigCmd{MiningMode: "pool", PoolFeePercent: 2, DifficultyDivider: 512}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	row, err = bus.Submit(ctx, GetConfigCmd{})
	if err != nil {
		t.Fatalf("get config after update: %v", err)
	}
	if row.(PoolConfigRow).MiningMode != "pool" {
		t.Fatalf("update did not take effect: %+v", row)
	}
}

func TestAddPaymentRequiresPositiveAmount(t *testing.T) {
	bus, _ := newTestBus(t)
	_, err := bus.Submit(context.Background(), AddPaymentCmd{Address: "addr1", Amount: 0})
	if err == nil {
		t.Fatalf("expected a validation error for a zero amount")
	}
}

func TestIncrementShareAccumulates(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := bus.Submit(ctx, CreateAccountCmd{Address: "addr1"}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := bus.Submit(ctx, IncrementShareCmd{Address: "addr1"}); err != nil {
			t.Fatalf("increment share: %v", err)
		}
	}
	res, err := bus.Submit(ctx, GetAccountCmd{Address: "addr1"})
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if res.(Account).Shares != 3 {
		t.Fatalf("expected 3 shares, got %+v", res)
	}
}

func TestCreateBanThenLookupHits(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	future := int64(1 << 62) // far enough in the future for test purposes
	if _, err := bus.Submit(ctx, CreateBanCmd{User: "bob", Reason: "invalid shares", ExpiresAt: future}); err != nil {
		t.Fatalf("create ban: %v", err)
	}
	res, err := bus.Submit(ctx, IsUserAndAddressBannedCmd{User: "bob"})
	if err != nil {
		t.Fatalf("ban lookup: %v", err)
	}
	lookup := res.(BanLookupResult)
	if !lookup.Banned || lookup.Reason != "invalid shares" {
		t.Fatalf("expected an active ban, got %+v", lookup)
	}
}
