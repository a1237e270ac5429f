package oracle

import (
	"sync"
	"time"

	"optionsettle/core/events"
	"optionsettle/core/types"
)

// TypeMappingAdded identifies the event emitted when feed mappings are
// registered.
const TypeMappingAdded = "oracle.mapping.added"

// MappingAddedEvent carries the full registration tuple so observers can
// reconstruct the feed table without querying the registry.
type MappingAddedEvent struct {
	Caller       [20]byte
	Assets       []types.Asset
	FeedDecimals []uint8
	Timestamp    int64
}

// EventType implements the events.Event interface.
func (MappingAddedEvent) EventType() string { return TypeMappingAdded }

// FeedEntry binds an asset to its reference-currency feed together with the
// asset's own decimal convention (used to scale quoted prices).
type FeedEntry struct {
	Feed          Feed
	AssetDecimals uint8
}

// Registry stores asset-to-feed mappings. Registration is owner-gated; the
// two concrete variants differ only in whether an existing mapping may be
// replaced.
type Registry interface {
	// AddMapping registers feeds for the supplied assets. The arrays must
	// be equal length, assets non-zero, feeds non-nil with supported
	// decimals. Fails fast on the first violation.
	AddMapping(caller [20]byte, assets []types.Asset, entries []FeedEntry) error
	// Entry resolves the feed mapping for an asset.
	Entry(asset types.Asset) (FeedEntry, bool)
}

type baseRegistry struct {
	mu         sync.RWMutex
	owner      [20]byte
	entries    map[types.Asset]FeedEntry
	appendOnly bool
	emitter    events.Emitter
}

// SetEmitter attaches an event emitter to a registry built by one of the
// package constructors. Registries of other concrete types are left alone.
func SetEmitter(r Registry, emitter events.Emitter) {
	if base, ok := r.(*baseRegistry); ok && emitter != nil {
		base.emitter = emitter
	}
}

// NewAppendOnlyRegistry constructs a registry whose mappings are strictly
// monotonic: once set, a feed can never be overwritten.
func NewAppendOnlyRegistry(owner [20]byte) Registry {
	return &baseRegistry{owner: owner, entries: make(map[types.Asset]FeedEntry), appendOnly: true}
}

// NewMutableRegistry constructs a registry whose owner may replace existing
// mappings.
func NewMutableRegistry(owner [20]byte) Registry {
	return &baseRegistry{owner: owner, entries: make(map[types.Asset]FeedEntry)}
}

func (r *baseRegistry) AddMapping(caller [20]byte, assets []types.Asset, entries []FeedEntry) error {
	if caller != r.owner {
		return ErrUnauthorized
	}
	if len(assets) == 0 || len(assets) != len(entries) {
		return ErrInvalidArrayLength
	}
	for i := range assets {
		if assets[i].IsZero() || entries[i].Feed == nil {
			return ErrInvalidAddress
		}
		if !supportedFeedDecimals(entries[i].Feed.Decimals()) {
			return ErrInvalidOracleDecimals
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendOnly {
		for _, asset := range assets {
			if _, exists := r.entries[asset]; exists {
				return ErrOracleAlreadySet
			}
		}
	}
	for i, asset := range assets {
		r.entries[asset] = entries[i]
	}
	if r.emitter != nil {
		evt := MappingAddedEvent{
			Caller:    caller,
			Assets:    append([]types.Asset{}, assets...),
			Timestamp: time.Now().Unix(),
		}
		for _, entry := range entries {
			evt.FeedDecimals = append(evt.FeedDecimals, entry.Feed.Decimals())
		}
		r.emitter.Emit(evt)
	}
	return nil
}

func (r *baseRegistry) Entry(asset types.Asset) (FeedEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[asset]
	return entry, ok
}
