package main

import (
	"context"
	"math/big"
	"net"
	"testing"
	"time"
)

func newTestSession(t *testing.T, cfg MinerSessionConfig) (*MinerSession, net.Conn, *PoolManager) {
	t.Helper()
	bus, _ := newTestBus(t)
	bans := NewBanCache(bus, time.Second)
	registry := NewSessionRegistry()
	notifier := NewDiscordNotifier("")
	journal := NewBlockJournal(t.TempDir())
	link := NewWalletLink(WalletLinkConfig{Addr: "unused"}, nil, journal)
	pm := NewPoolManager(registry, link, bus, notifier, 1024)

	// No Run loop drives this wallet link in these tests; drain its
	// unbuffered submit channel so a block-candidate submission never blocks
	// forever waiting for a reader.
	stopDrain := make(chan struct{})
	t.Cleanup(func() { close(stopDrain) })
	go func() {
		for {
			select {
			case <-link.submitCh:
			case <-stopDrain:
				return
			}
		}
	}()

	server, client := net.Pipe()
	session := NewMinerSession(server, "198.51.100.7", pm, bus, bans, registry, notifier, cfg)
	return session, client, pm
}

func defaultSessionConfig() MinerSessionConfig {
	return MinerSessionConfig{
		LoginTimeout:          100 * time.Millisecond,
		IdleTimeout:           time.Second,
		BanTTL:                time.Minute,
		MaxInvalidSubmissions: 3,
		InvalidWindow:         time.Minute,
		LoginLinger:           0,
	}
}

// readResponse drains one packet from client, used to unblock a MinerSession
// write over the synchronous net.Pipe.
func readResponse(t *testing.T, client net.Conn) Packet {
	t.Helper()
	p, err := NewPacketReader(client).ReadPacket()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return p
}

func TestMinerSessionLoginSuccess(t *testing.T) {
	session, client, _ := newTestSession(t, defaultSessionConfig())
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.awaitLogin(context.Background(), NewPacketReader(session.conn))
	}()

	if _, err := client.Write(Packet{Header: HeaderLogin, Payload: []byte("miner-address-1")}.Encode()); err != nil {
		t.Fatalf("write login: %v", err)
	}
	resp := readResponse(t, client)
	if resp.Header != HeaderLoginSuccess {
		t.Fatalf("expected LOGIN_SUCCESS, got %v", resp.Header)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("awaitLogin: %v", err)
	}
	if session.State() != SessionAuthenticated {
		t.Fatalf("expected AUTHENTICATED, got %v", session.State())
	}
}

func TestMinerSessionLoginRejectsEmptyAddress(t *testing.T) {
	session, client, _ := newTestSession(t, defaultSessionConfig())
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.awaitLogin(context.Background(), NewPacketReader(session.conn))
	}()

	if _, err := client.Write(Packet{Header: HeaderLogin, Payload: []byte("  ")}.Encode()); err != nil {
		t.Fatalf("write login: %v", err)
	}
	resp := readResponse(t, client)
	if resp.Header != HeaderLoginFail {
		t.Fatalf("expected LOGIN_FAIL, got %v", resp.Header)
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected an error for a blank login address")
	}
}

func TestMinerSessionLoginRejectsNonLoginPacket(t *testing.T) {
	session, client, _ := newTestSession(t, defaultSessionConfig())
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.awaitLogin(context.Background(), NewPacketReader(session.conn))
	}()

	if _, err := client.Write(Packet{Header: HeaderPing}.Encode()); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	resp := readResponse(t, client)
	if resp.Header != HeaderLoginFail {
		t.Fatalf("expected LOGIN_FAIL, got %v", resp.Header)
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected a protocol error for a non-LOGIN first packet")
	}
}

func TestMinerSessionLoginRejectsBannedPair(t *testing.T) {
	session, client, _ := newTestSession(t, defaultSessionConfig())
	defer client.Close()

	future := time.Now().Add(time.Hour).Unix()
	if _, err := session.bus.Submit(context.Background(), CreateBanCmd{
		User: "banned-addr", Address: session.remoteIP, Reason: "test", ExpiresAt: future,
	}); err != nil {
		t.Fatalf("create ban: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.awaitLogin(context.Background(), NewPacketReader(session.conn))
	}()

	if _, err := client.Write(Packet{Header: HeaderLogin, Payload: []byte("banned-addr")}.Encode()); err != nil {
		t.Fatalf("write login: %v", err)
	}
	resp := readResponse(t, client)
	if resp.Header != HeaderLoginFail {
		t.Fatalf("expected LOGIN_FAIL, got %v", resp.Header)
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected a Banned error")
	}
	if session.State() != SessionBanned {
		t.Fatalf("expected BANNED, got %v", session.State())
	}
}

func TestMinerSessionLoginTimesOut(t *testing.T) {
	cfg := defaultSessionConfig()
	cfg.LoginTimeout = 20 * time.Millisecond
	session, client, _ := newTestSession(t, cfg)
	defer client.Close()

	err := session.awaitLogin(context.Background(), NewPacketReader(session.conn))
	if err == nil {
		t.Fatalf("expected a read timeout when no LOGIN packet ever arrives")
	}
}

func TestMinerSessionGetBlockImplicitSubscribe(t *testing.T) {
	session, client, pm := newTestSession(t, defaultSessionConfig())
	defer client.Close()
	session.setState(SessionAuthenticated)
	pm.SetCurrentHeight(10)
	pm.SetBlock(BlockTemplate{Height: 10, Bytes: []byte("tpl-bytes")})

	errCh := make(chan error, 1)
	go func() { errCh <- session.handleGetBlock(context.Background()) }()

	resp := readResponse(t, client)
	if resp.Header != HeaderBlockData {
		t.Fatalf("expected BLOCK_DATA, got %v", resp.Header)
	}
	if string(resp.Payload) != "tpl-bytes" {
		t.Fatalf("unexpected payload: %q", resp.Payload)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("handleGetBlock: %v", err)
	}
	if session.State() != SessionMining {
		t.Fatalf("expected MINING after GET_BLOCK, got %v", session.State())
	}
}

func TestMinerSessionGetBlockRejectedBeforeAuthenticated(t *testing.T) {
	session, client, _ := newTestSession(t, defaultSessionConfig())
	defer client.Close()
	// state defaults to SessionConnected.

	if err := session.handleGetBlock(context.Background()); err == nil {
		t.Fatalf("expected a protocol error for GET_BLOCK before LOGIN")
	}
}

func TestMinerSessionSubmitShareAcceptedAndCandidate(t *testing.T) {
	session, client, pm := newTestSession(t, defaultSessionConfig())
	defer client.Close()
	useStdlibSHA256()

	session.setState(SessionMining)
	session.user = "miner-addr-2"
	if _, err := session.bus.Submit(context.Background(), CreateAccountCmd{Address: session.user}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	pm.SetCurrentHeight(5)
	maxTarget := new(big.Int).Lsh(big.NewInt(1), 256)
	tpl := BlockTemplate{Height: 5, Difficulty: maxTarget}
	session.heldTemplate = tpl
	session.hasHeldTemplate = true

	payload := joinSubmitPayload(make([]byte, 64), make([]byte, 8))
	errCh := make(chan error, 1)
	go func() {
		errCh <- session.handleSubmitShare(context.Background(), Packet{Header: HeaderSubmitShare, Payload: payload})
	}()

	resp := readResponse(t, client)
	if resp.Header != HeaderBlock {
		t.Fatalf("expected BLOCK (candidate), got %v", resp.Header)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("handleSubmitShare: %v", err)
	}
}

func TestMinerSessionSubmitShareRejectsWithoutHeldTemplate(t *testing.T) {
	session, client, pm := newTestSession(t, defaultSessionConfig())
	defer client.Close()
	session.setState(SessionMining)
	session.user = "miner-addr-3"
	pm.SetCurrentHeight(1)

	payload := joinSubmitPayload(make([]byte, 64), make([]byte, 8))
	errCh := make(chan error, 1)
	go func() {
		errCh <- session.handleSubmitShare(context.Background(), Packet{Header: HeaderSubmitShare, Payload: payload})
	}()

	resp := readResponse(t, client)
	if resp.Header != HeaderReject {
		t.Fatalf("expected REJECT, got %v", resp.Header)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("handleSubmitShare: %v", err)
	}
}

func TestMinerSessionThreeInvalidSubmissionsBan(t *testing.T) {
	session, client, pm := newTestSession(t, defaultSessionConfig())
	defer client.Close()
	session.setState(SessionMining)
	session.user = "miner-addr-4"
	pm.SetCurrentHeight(1)
	// No held template: every submission is rejected deterministically.

	payload := joinSubmitPayload(make([]byte, 64), make([]byte, 8))
	for i := 0; i < 3; i++ {
		errCh := make(chan error, 1)
		go func() {
			errCh <- session.handleSubmitShare(context.Background(), Packet{Header: HeaderSubmitShare, Payload: payload})
		}()
		resp := readResponse(t, client)
		if resp.Header != HeaderReject {
			t.Fatalf("round %d: expected REJECT, got %v", i, resp.Header)
		}
		err := <-errCh
		if i < 2 {
			if err != nil {
				t.Fatalf("round %d: unexpected error: %v", i, err)
			}
		} else {
			if err == nil {
				t.Fatalf("round %d: expected a ban error on the third invalid submission", i)
			}
			if session.State() != SessionBanned {
				t.Fatalf("expected BANNED after three invalid submissions, got %v", session.State())
			}
		}
	}
}
