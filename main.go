package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	debugpkg "runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// buildTime is stamped at link time via -ldflags; left empty in dev builds.
var buildTime string

func main() {
	defer func() {
		if r := recover(); r != nil {
			path := "panic.log"
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\nbuild_time=%s\n%s\n\n", ts, r, buildTime, debugpkg.Stack())
			}
		}
	}()

	debugpkg.SetGCPercent(200)

	configPathFlag := flag.String("config", "", "path to config.toml")
	secretsPathFlag := flag.String("secrets", "", "path to secrets.toml")
	dataDirFlag := flag.String("data-dir", "", "override data directory")
	listenFlag := flag.String("listen", "", "override miner listen address (e.g. :3333)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	stdoutLogFlag := flag.Bool("stdout", false, "mirror logs to stdout")
	flag.Parse()

	cfgPath := *configPathFlag
	if cfgPath == "" {
		cfgPath = defaultConfigPath()
	}
	cfg := loadConfig(cfgPath, *secretsPathFlag)

	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *listenFlag != "" {
		cfg.ListenAddr = *listenFlag
	}
	if *debugFlag {
		cfg.LogDebug = true
	}

	if err := validateConfig(cfg); err != nil {
		fatal("config", err)
	}

	if cfg.LogDebug {
		setLogLevel(logLevelDebug)
	} else {
		setLogLevel(logLevelInfo)
	}
	logDir := cfg.DataDir + "/logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fatal("create log directory", err, "path", logDir)
	}
	configureFileLogging(logDir+"/pool.log", logDir+"/errors.log", logDir+"/debug.log", *stdoutLogFlag)
	defer logger.Stop()

	logger.Info("starting pool coordinator",
		"listen_addr", cfg.ListenAddr, "wallet_addr", cfg.WalletAddr,
		"network", cfg.Network, "data_dir", cfg.DataDir)

	chainParams := chainParamsForNetwork(cfg.Network)

	// Signal handling: SIGINT/SIGTERM/SIGQUIT trigger a cooperative
	// shutdown with a bounded grace period, grounded on Pool::init/Pool::run's
	// signal wiring in original_source/src/pool.cpp.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("create data directory", err, "path", cfg.DataDir)
	}

	dbPath := cfg.DataDir + "/pool.db"
	store, err := OpenStore(ctx, dbPath)
	if err != nil {
		fatal("open store", err, "path", dbPath)
	}
	defer store.Close()

	bus := NewCommandBus(store, cfg.CommandBusReaders, cfg.CommandBusRetries, cfg.CommandBusRetryBase, cfg.CommandBusRetryMax)
	defer bus.Close()

	// Seed the persisted pool_config row on first run so GetConfigCmd never
	// sees an empty table once the wallet link and miner sessions start
	// consulting it.
	if existing, err := bus.Submit(ctx, GetConfigCmd{}); err != nil {
		logger.Warn("load pool config row", "error", err)
	} else if row, _ := existing.(PoolConfigRow); row.MiningMode == "" {
		miningModeName := "hash"
		if cfg.MiningMode == 1 {
			miningModeName = "prime"
		}
		if _, err := bus.Submit(ctx, CreateConfigCmd{
			MiningMode:        miningModeName,
			PoolFeePercent:    cfg.PoolFeePercent,
			DifficultyDivider: cfg.DifficultyDivider,
		}); err != nil {
			logger.Warn("seed pool config row", "error", err)
		}
	}

	bans := NewBanCache(bus, cfg.BanTTL)
	registry := NewSessionRegistry()

	journal := NewBlockJournal(cfg.DataDir)

	notifier := NewDiscordNotifier(cfg.DiscordChannelID)
	if err := notifier.Start(ctx, cfg.DiscordBotToken); err != nil {
		logger.Warn("discord notifier start failed", "error", err)
	}
	defer notifier.Close()

	var fastPath *ZMQFastPath
	if strings.TrimSpace(cfg.ZMQFastPathAddr) != "" {
		fastPath = NewZMQFastPath(cfg.ZMQFastPathAddr)
		go fastPath.Run(ctx)
	}

	var pm *PoolManager
	walletLink := NewWalletLink(WalletLinkConfig{
		Addr:           cfg.WalletAddr,
		MiningMode:     cfg.MiningMode,
		RetryInterval:  cfg.WalletRetryInterval,
		HeightInterval: cfg.GetHeightInterval,
	}, poolManagerLinkFunc(func() PoolManagerLink { return pm }), journal)
	if fastPath != nil {
		walletLink = walletLink.WithZMQFastPath(fastPath)
	}

	pm = NewPoolManager(registry, walletLink, bus, notifier, cfg.DifficultyDivider)

	go walletLink.Run(ctx)

	sessionCfg := MinerSessionConfig{
		LoginTimeout:          cfg.LoginTimeout,
		IdleTimeout:           cfg.idleTimeout(),
		BanTTL:                cfg.BanTTL,
		MaxInvalidSubmissions: cfg.MaxInvalidSubmissions,
		InvalidWindow:         cfg.InvalidWindow,
		LoginLinger:           cfg.LoginLinger,
		ChainParams:           chainParams,
	}

	var reconnectLimiter *reconnectTracker
	if cfg.ReconnectBanThreshold > 0 && cfg.ReconnectBanWindowSeconds > 0 && cfg.ReconnectBanDurationSec > 0 {
		reconnectLimiter = newReconnectTracker(
			cfg.ReconnectBanThreshold,
			time.Duration(cfg.ReconnectBanWindowSeconds)*time.Second,
			time.Duration(cfg.ReconnectBanDurationSec)*time.Second,
		)
	}
	var acceptLimiter *acceptRateLimiter
	if cfg.MaxAcceptsPerSecond > 0 {
		acceptLimiter = newAcceptRateLimiter(cfg.MaxAcceptsPerSecond, cfg.MaxAcceptBurst)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fatal("listen error", err, "addr", cfg.ListenAddr)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown requested; closing miner listener")
		ln.Close()
	}()

	var connWg sync.WaitGroup
	for {
		if acceptLimiter != nil && !acceptLimiter.wait(ctx) {
			break
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("accept error", "error", err)
			continue
		}

		remote := conn.RemoteAddr().String()
		host, _, errSplit := net.SplitHostPort(remote)
		if errSplit != nil {
			host = remote
		}
		if reconnectLimiter != nil && !reconnectLimiter.allow(host, time.Now()) {
			logger.Warn("rejecting miner for reconnect churn", "remote", remote, "host", host)
			_ = conn.Close()
			continue
		}

		if verdict, err := bans.CheckAddress(ctx, host); err != nil {
			logger.Error("accept-time ban check failed", "host", host, "error", err)
		} else if verdict.Banned {
			logger.Warn("rejecting banned address at accept", "remote", remote, "host", host, "reason", verdict.Reason)
			_ = conn.Close()
			continue
		}

		session := NewMinerSession(conn, host, pm, bus, bans, registry, notifier, sessionCfg)
		connWg.Add(1)
		go func() {
			defer connWg.Done()
			session.Run(ctx)
		}()
	}

	logger.Info("shutdown requested; draining miner sessions")
	shutdownStart := time.Now()
	done := make(chan struct{})
	go func() {
		connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("timed out waiting for miner sessions to drain", "waited", time.Since(shutdownStart))
	}

	logger.Info("shutdown complete", "shutdown_took", time.Since(shutdownStart))
}

// poolManagerLinkFunc adapts a late-bound accessor to PoolManagerLink so
// WalletLink can be constructed before PoolManager exists (PoolManager itself
// needs the WalletLink). The accessor is called on every method call, all of
// which happen from WalletLink.Run, after pm is assigned above.
type poolManagerLinkFunc func() PoolManagerLink

func (f poolManagerLinkFunc) SetCurrentHeight(height uint32)   { f().SetCurrentHeight(height) }
func (f poolManagerLinkFunc) SetBlock(tpl BlockTemplate)       { f().SetBlock(tpl) }
func (f poolManagerLinkFunc) OnSubmissionAccepted(hash string) { f().OnSubmissionAccepted(hash) }
func (f poolManagerLinkFunc) OnSubmissionRejected(hash string) { f().OnSubmissionRejected(hash) }

func chainParamsForNetwork(network string) *chaincfg.Params {
	switch network {
	case "testnet3":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
