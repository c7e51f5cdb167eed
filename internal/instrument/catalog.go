package instrument

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// SnapshotKey is the config snapshot key the catalog is audited under
const SnapshotKey = "instrument_catalog"

// Source fetches instrument rules from the exchange
type Source interface {
	Instruments(ctx context.Context, symbols ...string) ([]contracts.Instrument, error)
}

// Snapshotter persists an audit copy of the loaded catalog
type Snapshotter interface {
	SaveConfigSnapshot(ctx context.Context, key, hash, value string) error
}

// Catalog is the read-only cache of per-symbol trading rules.
// It is filled once at startup and changes only through Reload.
// ⭐ SSOT: 상품 스펙은 여기서만 조회 (추측 기본값 금지)
type Catalog struct {
	mu      sync.RWMutex
	items   map[string]contracts.Instrument
	symbols []string

	source Source
	snap   Snapshotter
	logger *logger.Logger
}

// NewCatalog creates an empty catalog for the tracked symbols
func NewCatalog(source Source, symbols []string, snap Snapshotter, log *logger.Logger) *Catalog {
	tracked := append([]string(nil), symbols...)
	sort.Strings(tracked)
	return &Catalog{
		items:   make(map[string]contracts.Instrument),
		symbols: tracked,
		source:  source,
		snap:    snap,
		logger:  log.Component("instrument"),
	}
}

// NewStaticCatalog builds a catalog from fixed rules (tests, offline tools)
func NewStaticCatalog(instruments ...contracts.Instrument) *Catalog {
	c := &Catalog{items: make(map[string]contracts.Instrument), logger: logger.Nop()}
	for _, inst := range instruments {
		c.items[inst.Symbol] = inst
		c.symbols = append(c.symbols, inst.Symbol)
	}
	sort.Strings(c.symbols)
	return c
}

// Load fetches rules for every tracked symbol. A missing or malformed
// instrument is an error; callers abort startup on it.
func (c *Catalog) Load(ctx context.Context) error {
	items, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.items = items
	c.mu.Unlock()

	c.logger.WithField("symbols", len(items)).Info("Instrument catalog loaded")
	return c.snapshot(ctx, items)
}

// Reload replaces the catalog. On failure the previous rules stay in place.
func (c *Catalog) Reload(ctx context.Context) error {
	items, err := c.fetch(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Instrument reload failed, keeping previous catalog")
		return err
	}

	c.mu.Lock()
	c.items = items
	c.mu.Unlock()

	c.logger.WithField("symbols", len(items)).Info("Instrument catalog reloaded")
	return c.snapshot(ctx, items)
}

// Get returns the rules for symbol
func (c *Catalog) Get(symbol string) (contracts.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.items[symbol]
	return inst, ok
}

// Symbols returns the tracked symbols
func (c *Catalog) Symbols() []string {
	return append([]string(nil), c.symbols...)
}

func (c *Catalog) fetch(ctx context.Context) (map[string]contracts.Instrument, error) {
	if c.source == nil {
		return nil, fmt.Errorf("instrument catalog has no source")
	}

	list, err := c.source.Instruments(ctx, c.symbols...)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}

	items := make(map[string]contracts.Instrument, len(list))
	for _, inst := range list {
		items[inst.Symbol] = inst
	}

	for _, symbol := range c.symbols {
		inst, ok := items[symbol]
		if !ok {
			return nil, fmt.Errorf("instrument %s not listed by exchange", symbol)
		}
		if err := validate(inst); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func validate(inst contracts.Instrument) error {
	if !inst.TickSize.IsPositive() {
		return fmt.Errorf("instrument %s: tick size missing", inst.Symbol)
	}
	if !inst.QtyStep.IsPositive() {
		return fmt.Errorf("instrument %s: qty step missing", inst.Symbol)
	}
	if inst.MinQty.IsNegative() || inst.MinNotional.IsNegative() {
		return fmt.Errorf("instrument %s: negative minimums", inst.Symbol)
	}
	return nil
}

func (c *Catalog) snapshot(ctx context.Context, items map[string]contracts.Instrument) error {
	if c.snap == nil {
		return nil
	}

	ordered := make([]contracts.Instrument, 0, len(items))
	for _, symbol := range c.symbols {
		ordered = append(ordered, items[symbol])
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	sum := sha256.Sum256(data)

	if err := c.snap.SaveConfigSnapshot(ctx, SnapshotKey, hex.EncodeToString(sum[:]), string(data)); err != nil {
		return fmt.Errorf("snapshot catalog: %w", err)
	}
	return nil
}
