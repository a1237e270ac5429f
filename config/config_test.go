package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settled.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settled.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1), cfg.ChainID)
	require.FileExists(t, path)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
ChainID = 42
DataDir = "/var/lib/settled"
EventBufSize = 16

[Oracle]
BootstrapFile = "feeds.yaml"
MaxStalenessSeconds = 900
AppendOnly = false

[Fees]
MatchFeeBps = 1000
DistPartnerShareBps = 2500
Collector = "0x00000000000000000000000000000000000000aa"

[Gateway]
ListenAddress = ":9000"
RateLimitRPS = 10
RateLimitBurst = 20
AuditDBPath = "/var/lib/settled/audit.db"

[Logging]
Level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(42), cfg.ChainID)
	require.Equal(t, int64(900), cfg.Oracle.MaxStalenessS)
	require.False(t, cfg.Oracle.AppendOnly)
	require.Equal(t, uint64(1000), cfg.Fees.MatchFeeBps)
	require.Equal(t, ":9000", cfg.Gateway.ListenAddress)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
ChainID = 1
DataDir = "./data"
LegacyField = true
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "LegacyField")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chain id", func(c *Config) { c.ChainID = 0 }},
		{"missing data dir", func(c *Config) { c.DataDir = " " }},
		{"zero staleness", func(c *Config) { c.Oracle.MaxStalenessS = 0 }},
		{"fees without collector", func(c *Config) { c.Fees.MatchFeeBps = 100; c.Fees.Collector = "" }},
		{"bad collector", func(c *Config) { c.Fees.MatchFeeBps = 100; c.Fees.Collector = "nothex" }},
		{"burst below rps", func(c *Config) { c.Gateway.RateLimitRPS = 10; c.Gateway.RateLimitBurst = 5 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), addr[19])

	_, err = ParseAddress("0x1234")
	require.Error(t, err)
}
