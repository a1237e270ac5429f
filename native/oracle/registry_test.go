package oracle

import (
	"errors"
	"math/big"
	"testing"

	"optionsettle/core/events"
	"optionsettle/core/types"
)

func TestRegistryOwnerGate(t *testing.T) {
	owner := [20]byte{0x01}
	registry := NewAppendOnlyRegistry(owner)
	feed := NewStaticFeed(8)
	feed.SetAnswer(big.NewInt(1), 1)

	err := registry.AddMapping([20]byte{0x02}, []types.Asset{testAsset(0x01)}, []FeedEntry{{Feed: feed, AssetDecimals: 18}})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner registration: err = %v, want ErrUnauthorized", err)
	}
}

func TestRegistryValidation(t *testing.T) {
	owner := [20]byte{0x01}
	registry := NewAppendOnlyRegistry(owner)
	feed := NewStaticFeed(8)
	feed.SetAnswer(big.NewInt(1), 1)
	oddFeed := NewStaticFeed(12)
	oddFeed.SetAnswer(big.NewInt(1), 1)

	cases := []struct {
		name    string
		assets  []types.Asset
		entries []FeedEntry
		want    error
	}{
		{"length mismatch", []types.Asset{testAsset(0x01)}, nil, ErrInvalidArrayLength},
		{"empty", nil, nil, ErrInvalidArrayLength},
		{"zero asset", []types.Asset{{}}, []FeedEntry{{Feed: feed, AssetDecimals: 18}}, ErrInvalidAddress},
		{"nil feed", []types.Asset{testAsset(0x01)}, []FeedEntry{{AssetDecimals: 18}}, ErrInvalidAddress},
		{"unsupported decimals", []types.Asset{testAsset(0x01)}, []FeedEntry{{Feed: oddFeed, AssetDecimals: 18}}, ErrInvalidOracleDecimals},
	}
	for _, tc := range cases {
		err := registry.AddMapping(owner, tc.assets, tc.entries)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestAppendOnlyRegistryRejectsOverwrite(t *testing.T) {
	owner := [20]byte{0x01}
	registry := NewAppendOnlyRegistry(owner)
	asset := testAsset(0x05)
	feed := NewStaticFeed(8)
	feed.SetAnswer(big.NewInt(1), 1)
	entry := FeedEntry{Feed: feed, AssetDecimals: 18}

	if err := registry.AddMapping(owner, []types.Asset{asset}, []FeedEntry{entry}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := registry.AddMapping(owner, []types.Asset{asset}, []FeedEntry{entry})
	if !errors.Is(err, ErrOracleAlreadySet) {
		t.Fatalf("overwrite: err = %v, want ErrOracleAlreadySet", err)
	}
}

func TestMutableRegistryAllowsOverwrite(t *testing.T) {
	owner := [20]byte{0x01}
	registry := NewMutableRegistry(owner)
	asset := testAsset(0x06)
	first := NewStaticFeed(8)
	first.SetAnswer(big.NewInt(1), 1)
	second := NewStaticFeed(18)
	second.SetAnswer(big.NewInt(2), 2)

	if err := registry.AddMapping(owner, []types.Asset{asset}, []FeedEntry{{Feed: first, AssetDecimals: 18}}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := registry.AddMapping(owner, []types.Asset{asset}, []FeedEntry{{Feed: second, AssetDecimals: 18}}); err != nil {
		t.Fatalf("overwrite on mutable registry: %v", err)
	}
	entry, ok := registry.Entry(asset)
	if !ok || entry.Feed.Decimals() != 18 {
		t.Fatalf("overwrite did not take effect")
	}
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func TestRegistryEmitsMappingAdded(t *testing.T) {
	owner := [20]byte{0x01}
	registry := NewAppendOnlyRegistry(owner)
	sink := &captureEmitter{}
	SetEmitter(registry, sink)

	asset := testAsset(0x07)
	feed := NewStaticFeed(8)
	feed.SetAnswer(big.NewInt(1), 1)
	if err := registry.AddMapping(owner, []types.Asset{asset}, []FeedEntry{{Feed: feed, AssetDecimals: 18}}); err != nil {
		t.Fatalf("registration: %v", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(sink.events))
	}
	evt, ok := sink.events[0].(MappingAddedEvent)
	if !ok {
		t.Fatalf("unexpected event type %T", sink.events[0])
	}
	if evt.EventType() != TypeMappingAdded {
		t.Fatalf("event type = %q", evt.EventType())
	}
	if len(evt.Assets) != 1 || evt.Assets[0] != asset {
		t.Fatalf("event assets = %v", evt.Assets)
	}
	if len(evt.FeedDecimals) != 1 || evt.FeedDecimals[0] != 8 {
		t.Fatalf("event feed decimals = %v", evt.FeedDecimals)
	}
}
