package oracle

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"optionsettle/core/types"
)

// BootstrapFeed describes one seeded feed mapping in the bootstrap file.
type BootstrapFeed struct {
	Asset         string `yaml:"asset"`
	AssetDecimals uint8  `yaml:"assetDecimals"`
	FeedDecimals  uint8  `yaml:"feedDecimals"`
	Answer        string `yaml:"answer"`
	UpdatedAt     int64  `yaml:"updatedAt"`
}

// BootstrapFile is the on-disk shape of the oracle bootstrap document.
type BootstrapFile struct {
	Feeds []BootstrapFeed `yaml:"feeds"`
}

// LoadBootstrap parses a YAML bootstrap document and registers a static feed
// per entry through the supplied registry. Entries with a zero UpdatedAt are
// stamped with the supplied now so freshly bootstrapped feeds pass staleness
// checks.
func LoadBootstrap(path string, registry Registry, owner [20]byte, now int64) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("oracle bootstrap: read %s: %w", path, err)
	}
	var doc BootstrapFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("oracle bootstrap: parse %s: %w", path, err)
	}
	assets := make([]types.Asset, 0, len(doc.Feeds))
	entries := make([]FeedEntry, 0, len(doc.Feeds))
	for i, seed := range doc.Feeds {
		asset, ok := types.ParseAsset(seed.Asset)
		if !ok {
			return fmt.Errorf("oracle bootstrap: entry %d: invalid asset %q", i, seed.Asset)
		}
		answer, ok := new(big.Int).SetString(strings.TrimSpace(seed.Answer), 10)
		if !ok || answer.Sign() <= 0 {
			return fmt.Errorf("oracle bootstrap: entry %d: invalid answer %q", i, seed.Answer)
		}
		updated := seed.UpdatedAt
		if updated == 0 {
			updated = now
		}
		feed := NewStaticFeed(seed.FeedDecimals)
		feed.SetAnswer(answer, updated)
		assets = append(assets, asset)
		entries = append(entries, FeedEntry{Feed: feed, AssetDecimals: seed.AssetDecimals})
	}
	if len(assets) == 0 {
		return nil
	}
	return registry.AddMapping(owner, assets, entries)
}
