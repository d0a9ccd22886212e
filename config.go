package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	defaultDataDir               = "./data"
	defaultListenAddr            = ":3333"
	defaultWalletAddr            = "127.0.0.1:9325"
	defaultRetryInterval         = 5 * time.Second
	defaultHeightInterval        = 10 * time.Second
	defaultLoginTimeout          = 10 * time.Second
	defaultIdleMultiplier        = 5
	defaultBanTTL                = 24 * time.Hour
	defaultMaxInvalidSubmissions = 3
	defaultInvalidWindow         = time.Minute
	defaultLoginLinger           = 2 * time.Second
	defaultDifficultyDivider     = 1024
	defaultPoolFeePercent        = 1.0
	defaultShutdownGrace         = 5 * time.Second
	defaultMaxAcceptsPerSecond   = 200
	defaultMaxAcceptBurst        = 400
	defaultReconnectBanThreshold = 20
	defaultReconnectBanWindow    = 60
	defaultReconnectBanDuration  = 300
	defaultCommandBusReaders     = 16
	defaultCommandBusRetries     = 3
	defaultCommandBusRetryBase   = 50 * time.Millisecond
	defaultCommandBusRetryMax    = 2 * time.Second
)

// Config is the pool coordinator's full runtime configuration: one wallet
// link (C4), one listener for miners (C5), and the tuning knobs for bans,
// the persistence bus (C2) and the optional D1/D3 side channels.
type Config struct {
	ListenAddr string
	DataDir    string
	Network    string // mainnet, testnet3, signet, regtest

	WalletAddr            string
	MiningMode            uint32
	WalletRetryInterval   time.Duration
	GetHeightInterval     time.Duration
	ZMQFastPathAddr       string

	PayoutAddress         string
	PoolFeePercent        float64
	DifficultyDivider     int64

	LoginTimeout          time.Duration
	IdleTimeoutMultiplier int
	LoginLinger           time.Duration

	BanTTL                time.Duration
	MaxInvalidSubmissions int
	InvalidWindow         time.Duration

	MaxAcceptsPerSecond int
	MaxAcceptBurst      int

	ReconnectBanThreshold     int
	ReconnectBanWindowSeconds int
	ReconnectBanDurationSec   int

	CommandBusReaders   int
	CommandBusRetries   int
	CommandBusRetryBase time.Duration
	CommandBusRetryMax  time.Duration

	ShutdownGrace time.Duration

	DiscordBotToken      string
	DiscordChannelID     string

	LogDebug bool
}

// fileConfig is the TOML-on-disk shape. Pointer fields distinguish "absent
// from file, keep default" from "explicitly set to the zero value", the
// same two-state distinction the teacher's fileConfig draws with JSON.
type fileConfig struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
	Network    string `toml:"network"`

	WalletAddr          string `toml:"wallet_addr"`
	MiningMode          *int64 `toml:"mining_mode"`
	WalletRetrySeconds  *int   `toml:"wallet_retry_seconds"`
	GetHeightSeconds    *int   `toml:"get_height_seconds"`
	ZMQFastPathAddr     string `toml:"zmq_fastpath_addr"`

	PayoutAddress     string   `toml:"payout_address"`
	PoolFeePercent    *float64 `toml:"pool_fee_percent"`
	DifficultyDivider *int64   `toml:"difficulty_divider"`

	LoginTimeoutSeconds   *int `toml:"login_timeout_seconds"`
	IdleTimeoutMultiplier *int `toml:"idle_timeout_multiplier"`
	LoginLingerSeconds    *int `toml:"login_linger_seconds"`

	BanTTLSeconds          *int `toml:"ban_ttl_seconds"`
	MaxInvalidSubmissions  *int `toml:"max_invalid_submissions"`
	InvalidWindowSeconds   *int `toml:"invalid_window_seconds"`

	MaxAcceptsPerSecond *int `toml:"max_accepts_per_second"`
	MaxAcceptBurst      *int `toml:"max_accept_burst"`

	ReconnectBanThreshold     *int `toml:"reconnect_ban_threshold"`
	ReconnectBanWindowSeconds *int `toml:"reconnect_ban_window_seconds"`
	ReconnectBanDurationSec   *int `toml:"reconnect_ban_duration_seconds"`

	CommandBusReaders      *int `toml:"command_bus_readers"`
	CommandBusRetries      *int `toml:"command_bus_retries"`
	CommandBusRetryBaseMs  *int `toml:"command_bus_retry_base_ms"`
	CommandBusRetryMaxMs   *int `toml:"command_bus_retry_max_ms"`

	ShutdownGraceSeconds *int `toml:"shutdown_grace_seconds"`

	LogDebug *bool `toml:"log_debug"`
}

// secretsConfig holds values operators keep out of config.toml: the Discord
// bot token is the only credential this coordinator carries (the wallet
// link has no auth of its own, per spec).
type secretsConfig struct {
	DiscordBotToken  string `toml:"discord_bot_token"`
	DiscordChannelID string `toml:"discord_channel_id"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:            defaultListenAddr,
		DataDir:               defaultDataDir,
		Network:               "mainnet",
		WalletAddr:            defaultWalletAddr,
		MiningMode:            2, // HASH
		WalletRetryInterval:   defaultRetryInterval,
		GetHeightInterval:     defaultHeightInterval,
		PayoutAddress:         "",
		PoolFeePercent:        defaultPoolFeePercent,
		DifficultyDivider:     defaultDifficultyDivider,
		LoginTimeout:          defaultLoginTimeout,
		IdleTimeoutMultiplier: defaultIdleMultiplier,
		LoginLinger:           defaultLoginLinger,
		BanTTL:                defaultBanTTL,
		MaxInvalidSubmissions: defaultMaxInvalidSubmissions,
		InvalidWindow:         defaultInvalidWindow,
		MaxAcceptsPerSecond:       defaultMaxAcceptsPerSecond,
		MaxAcceptBurst:            defaultMaxAcceptBurst,
		ReconnectBanThreshold:     defaultReconnectBanThreshold,
		ReconnectBanWindowSeconds: defaultReconnectBanWindow,
		ReconnectBanDurationSec:   defaultReconnectBanDuration,
		CommandBusReaders:         defaultCommandBusReaders,
		CommandBusRetries:         defaultCommandBusRetries,
		CommandBusRetryBase:       defaultCommandBusRetryBase,
		CommandBusRetryMax:        defaultCommandBusRetryMax,
		ShutdownGrace:             defaultShutdownGrace,
	}
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config.toml")
}

// loadConfig loads configPath (writing defaults if absent, mirroring the
// teacher's loadConfig), then overlays an optional secrets.toml holding the
// Discord bot token.
func loadConfig(configPath, secretsPath string) Config {
	cfg := defaultConfig()

	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if fc, ok, err := loadConfigFile(configPath); err != nil {
		fatal("config file", err, "path", configPath)
	} else if ok {
		applyFileConfig(&cfg, *fc)
	} else {
		if err := rewriteConfigFile(configPath, cfg); err != nil {
			fatal("write default config", err, "path", configPath)
		}
		logger.Info("created default config file", "path", configPath)
	}

	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "secrets.toml")
	}
	if sc, ok, err := loadSecretsFile(secretsPath); err != nil {
		fatal("secrets file", err, "path", secretsPath)
	} else if ok {
		cfg.DiscordBotToken = sc.DiscordBotToken
		cfg.DiscordChannelID = sc.DiscordChannelID
	}

	cfg.PayoutAddress = sanitizePayoutAddress(cfg.PayoutAddress)
	return cfg
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, true, nil
}

func loadSecretsFile(path string) (*secretsConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	var sc secretsConfig
	if err := toml.Unmarshal(data, &sc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &sc, true, nil
}

// rewriteConfigFile marshals cfg to TOML and writes it atomically: temp
// file, fsync, chmod, backup the previous file, then rename into place.
// Grounded on config_examples.go's ensureExampleFiles/rewriteConfigFile.
func rewriteConfigFile(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	intPtr := func(v int) *int { return &v }
	int64Ptr := func(v int64) *int64 { return &v }
	float64Ptr := func(v float64) *float64 { return &v }
	boolPtr := func(v bool) *bool { return &v }

	fc := fileConfig{
		ListenAddr:                cfg.ListenAddr,
		DataDir:                   cfg.DataDir,
		Network:                   cfg.Network,
		WalletAddr:                cfg.WalletAddr,
		MiningMode:                int64Ptr(int64(cfg.MiningMode)),
		WalletRetrySeconds:        intPtr(int(cfg.WalletRetryInterval / time.Second)),
		GetHeightSeconds:          intPtr(int(cfg.GetHeightInterval / time.Second)),
		ZMQFastPathAddr:           cfg.ZMQFastPathAddr,
		PayoutAddress:             cfg.PayoutAddress,
		PoolFeePercent:            float64Ptr(cfg.PoolFeePercent),
		DifficultyDivider:         int64Ptr(cfg.DifficultyDivider),
		LoginTimeoutSeconds:       intPtr(int(cfg.LoginTimeout / time.Second)),
		IdleTimeoutMultiplier:     intPtr(cfg.IdleTimeoutMultiplier),
		LoginLingerSeconds:        intPtr(int(cfg.LoginLinger / time.Second)),
		BanTTLSeconds:             intPtr(int(cfg.BanTTL / time.Second)),
		MaxInvalidSubmissions:     intPtr(cfg.MaxInvalidSubmissions),
		InvalidWindowSeconds:      intPtr(int(cfg.InvalidWindow / time.Second)),
		MaxAcceptsPerSecond:       intPtr(cfg.MaxAcceptsPerSecond),
		MaxAcceptBurst:            intPtr(cfg.MaxAcceptBurst),
		ReconnectBanThreshold:     intPtr(cfg.ReconnectBanThreshold),
		ReconnectBanWindowSeconds: intPtr(cfg.ReconnectBanWindowSeconds),
		ReconnectBanDurationSec:   intPtr(cfg.ReconnectBanDurationSec),
		CommandBusReaders:         intPtr(cfg.CommandBusReaders),
		CommandBusRetries:         intPtr(cfg.CommandBusRetries),
		CommandBusRetryBaseMs:     intPtr(int(cfg.CommandBusRetryBase / time.Millisecond)),
		CommandBusRetryMaxMs:      intPtr(int(cfg.CommandBusRetryMax / time.Millisecond)),
		ShutdownGraceSeconds:      intPtr(int(cfg.ShutdownGrace / time.Second)),
		LogDebug:                  boolPtr(cfg.LogDebug),
	}

	data, err := toml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmpFile.Name()
	removeTemp := true
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
		}
		if removeTemp {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	tmpFile = nil

	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}

	bakPath := path + ".bak"
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(bakPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", bakPath, err)
		}
		if err := os.Rename(path, bakPath); err != nil {
			return fmt.Errorf("rename %s to %s: %w", path, bakPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	removeTemp = false
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.Network != "" {
		cfg.Network = strings.ToLower(strings.TrimSpace(fc.Network))
	}
	if fc.WalletAddr != "" {
		cfg.WalletAddr = fc.WalletAddr
	}
	if fc.MiningMode != nil {
		cfg.MiningMode = uint32(*fc.MiningMode)
	}
	if fc.WalletRetrySeconds != nil && *fc.WalletRetrySeconds > 0 {
		cfg.WalletRetryInterval = time.Duration(*fc.WalletRetrySeconds) * time.Second
	}
	if fc.GetHeightSeconds != nil && *fc.GetHeightSeconds > 0 {
		cfg.GetHeightInterval = time.Duration(*fc.GetHeightSeconds) * time.Second
	}
	if fc.ZMQFastPathAddr != "" {
		cfg.ZMQFastPathAddr = fc.ZMQFastPathAddr
	}
	if fc.PayoutAddress != "" {
		cfg.PayoutAddress = fc.PayoutAddress
	}
	if fc.PoolFeePercent != nil {
		cfg.PoolFeePercent = *fc.PoolFeePercent
	}
	if fc.DifficultyDivider != nil && *fc.DifficultyDivider > 0 {
		cfg.DifficultyDivider = *fc.DifficultyDivider
	}
	if fc.LoginTimeoutSeconds != nil && *fc.LoginTimeoutSeconds > 0 {
		cfg.LoginTimeout = time.Duration(*fc.LoginTimeoutSeconds) * time.Second
	}
	if fc.IdleTimeoutMultiplier != nil && *fc.IdleTimeoutMultiplier > 0 {
		cfg.IdleTimeoutMultiplier = *fc.IdleTimeoutMultiplier
	}
	if fc.LoginLingerSeconds != nil {
		cfg.LoginLinger = time.Duration(*fc.LoginLingerSeconds) * time.Second
	}
	if fc.BanTTLSeconds != nil && *fc.BanTTLSeconds > 0 {
		cfg.BanTTL = time.Duration(*fc.BanTTLSeconds) * time.Second
	}
	if fc.MaxInvalidSubmissions != nil && *fc.MaxInvalidSubmissions > 0 {
		cfg.MaxInvalidSubmissions = *fc.MaxInvalidSubmissions
	}
	if fc.InvalidWindowSeconds != nil && *fc.InvalidWindowSeconds > 0 {
		cfg.InvalidWindow = time.Duration(*fc.InvalidWindowSeconds) * time.Second
	}
	if fc.MaxAcceptsPerSecond != nil {
		cfg.MaxAcceptsPerSecond = *fc.MaxAcceptsPerSecond
	}
	if fc.MaxAcceptBurst != nil {
		cfg.MaxAcceptBurst = *fc.MaxAcceptBurst
	}
	if fc.ReconnectBanThreshold != nil {
		cfg.ReconnectBanThreshold = *fc.ReconnectBanThreshold
	}
	if fc.ReconnectBanWindowSeconds != nil && *fc.ReconnectBanWindowSeconds > 0 {
		cfg.ReconnectBanWindowSeconds = *fc.ReconnectBanWindowSeconds
	}
	if fc.ReconnectBanDurationSec != nil && *fc.ReconnectBanDurationSec > 0 {
		cfg.ReconnectBanDurationSec = *fc.ReconnectBanDurationSec
	}
	if fc.CommandBusReaders != nil && *fc.CommandBusReaders > 0 {
		cfg.CommandBusReaders = *fc.CommandBusReaders
	}
	if fc.CommandBusRetries != nil && *fc.CommandBusRetries >= 0 {
		cfg.CommandBusRetries = *fc.CommandBusRetries
	}
	if fc.CommandBusRetryBaseMs != nil && *fc.CommandBusRetryBaseMs > 0 {
		cfg.CommandBusRetryBase = time.Duration(*fc.CommandBusRetryBaseMs) * time.Millisecond
	}
	if fc.CommandBusRetryMaxMs != nil && *fc.CommandBusRetryMaxMs > 0 {
		cfg.CommandBusRetryMax = time.Duration(*fc.CommandBusRetryMaxMs) * time.Millisecond
	}
	if fc.ShutdownGraceSeconds != nil && *fc.ShutdownGraceSeconds > 0 {
		cfg.ShutdownGrace = time.Duration(*fc.ShutdownGraceSeconds) * time.Second
	}
	if fc.LogDebug != nil {
		cfg.LogDebug = *fc.LogDebug
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.WalletAddr) == "" {
		return fmt.Errorf("wallet_addr is required")
	}
	if strings.TrimSpace(cfg.PayoutAddress) == "" {
		return fmt.Errorf("payout_address is required")
	}
	if cfg.DifficultyDivider <= 0 {
		return fmt.Errorf("difficulty_divider must be > 0, got %d", cfg.DifficultyDivider)
	}
	if cfg.PoolFeePercent < 0 || cfg.PoolFeePercent >= 100 {
		return fmt.Errorf("pool_fee_percent must be >= 0 and < 100, got %v", cfg.PoolFeePercent)
	}
	if cfg.LoginTimeout <= 0 {
		return fmt.Errorf("login_timeout_seconds must be > 0")
	}
	if cfg.IdleTimeoutMultiplier <= 0 {
		return fmt.Errorf("idle_timeout_multiplier must be > 0")
	}
	if cfg.MaxInvalidSubmissions <= 0 {
		return fmt.Errorf("max_invalid_submissions must be > 0")
	}
	if cfg.GetHeightInterval <= 0 {
		return fmt.Errorf("get_height_seconds must be > 0")
	}
	if cfg.CommandBusReaders <= 0 {
		return fmt.Errorf("command_bus_readers must be > 0")
	}
	switch cfg.Network {
	case "mainnet", "testnet3", "signet", "regtest":
	default:
		return fmt.Errorf("unknown network %q", cfg.Network)
	}
	return nil
}

// sanitizePayoutAddress drops characters that don't belong in a bech32/base58
// address, protecting against stray whitespace without attempting to
// "correct" an invalid address. The payout address is not otherwise
// validated beyond validateConfig's non-empty check.
func sanitizePayoutAddress(addr string) string {
	if addr == "" {
		return addr
	}
	var cleaned []rune
	for _, r := range addr {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			cleaned = append(cleaned, r)
		}
	}
	return string(cleaned)
}

// idleTimeout derives the miner-session idle timeout from the height-poll
// interval (spec §4.5: "idle = 5 x get_height_interval").
func (cfg Config) idleTimeout() time.Duration {
	return cfg.GetHeightInterval * time.Duration(cfg.IdleTimeoutMultiplier)
}
