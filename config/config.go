package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full settled service configuration, decoded from TOML.
type Config struct {
	ChainID      uint64  `toml:"ChainID"`
	DataDir      string  `toml:"DataDir"`
	Environment  string  `toml:"Environment"`
	Oracle       Oracle  `toml:"Oracle"`
	Fees         Fees    `toml:"Fees"`
	Gateway      Gateway `toml:"Gateway"`
	Logging      Logging `toml:"Logging"`
	EventBufSize int     `toml:"EventBufSize"`
}

// Oracle configures the price feed router.
type Oracle struct {
	BootstrapFile  string `toml:"BootstrapFile"`
	ReferenceAsset string `toml:"ReferenceAsset"`
	MaxStalenessS  int64  `toml:"MaxStalenessSeconds"`
	AppendOnly     bool   `toml:"AppendOnly"`
}

// Fees configures the premium fee split.
type Fees struct {
	MatchFeeBps         uint64 `toml:"MatchFeeBps"`
	DistPartnerShareBps uint64 `toml:"DistPartnerShareBps"`
	Collector           string `toml:"Collector"`
}

// Gateway configures the HTTP surface.
type Gateway struct {
	ListenAddress  string `toml:"ListenAddress"`
	JWTSecret      string `toml:"JWTSecret"`
	JWTIssuer      string `toml:"JWTIssuer"`
	RateLimitRPS   int    `toml:"RateLimitRPS"`
	RateLimitBurst int    `toml:"RateLimitBurst"`
	AuditDBPath    string `toml:"AuditDBPath"`
}

// Logging configures the structured log pipeline.
type Logging struct {
	Level      string `toml:"Level"`
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		ChainID:     1,
		DataDir:     "./data",
		Environment: "dev",
		Oracle: Oracle{
			BootstrapFile: "./oracle.yaml",
			MaxStalenessS: 3600,
			AppendOnly:    true,
		},
		Gateway: Gateway{
			ListenAddress:  ":8545",
			RateLimitRPS:   25,
			RateLimitBurst: 50,
			AuditDBPath:    "./data/audit.db",
		},
		Logging:      Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		EventBufSize: 256,
	}
}

// Load reads and validates the configuration at path. A missing file writes
// the defaults to disk and returns them.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write defaults: %w", err)
	}
	return cfg, nil
}

// ParseAddress decodes a 20-byte hex address, with or without 0x prefix.
func ParseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("config: malformed address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

// Validate checks cross-field invariants before the service boots.
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID must be nonzero")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if c.Oracle.MaxStalenessS <= 0 {
		return fmt.Errorf("config: Oracle.MaxStalenessSeconds must be positive")
	}
	if c.Fees.MatchFeeBps > 0 && strings.TrimSpace(c.Fees.Collector) == "" {
		return fmt.Errorf("config: Fees.Collector is required when MatchFeeBps is set")
	}
	if c.Fees.Collector != "" {
		if _, err := ParseAddress(c.Fees.Collector); err != nil {
			return err
		}
	}
	if c.Oracle.ReferenceAsset != "" {
		if _, err := ParseAddress(c.Oracle.ReferenceAsset); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
		return fmt.Errorf("config: Gateway.ListenAddress is required")
	}
	if c.Gateway.RateLimitRPS <= 0 || c.Gateway.RateLimitBurst < c.Gateway.RateLimitRPS {
		return fmt.Errorf("config: gateway rate limit needs RPS > 0 and Burst >= RPS")
	}
	if c.EventBufSize <= 0 {
		return fmt.Errorf("config: EventBufSize must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return nil
}
