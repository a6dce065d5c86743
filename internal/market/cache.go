package market

import (
	"fmt"
	"sync"
	"time"

	"bybit-spot-bot-go/internal/bybit"
	"go.uber.org/zap"
)

// DefaultTTL is how long cached instrument metadata is served before a
// refresh. Tick and lot sizes change rarely, so an hour is plenty.
const DefaultTTL = time.Hour

type cacheEntry struct {
	info      *bybit.InstrumentInfo
	fetchedAt time.Time
}

// InstrumentCache holds per-symbol exchange trading rules with a TTL. It is
// process-wide (tick/lot sizes are exchange-global, not per-user) and is
// injected into every component that needs precision data, so tests can
// seed it directly.
type InstrumentCache struct {
	client bybit.RestClientInterface
	logger *zap.Logger
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	// now is swappable in tests to drive TTL expiry.
	now func() time.Time
}

// NewInstrumentCache creates an empty cache backed by the given client.
func NewInstrumentCache(client bybit.RestClientInterface, logger *zap.Logger, ttl time.Duration) *InstrumentCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InstrumentCache{
		client:  client,
		logger:  logger,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the instrument metadata for a symbol, fetching from the
// exchange on a miss or after TTL expiry. A fetch failure propagates as an
// error: guessing precision against a real exchange is worse than failing.
func (c *InstrumentCache) Get(symbol string) (*bybit.InstrumentInfo, error) {
	c.mu.RLock()
	entry, ok := c.entries[symbol]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.info, nil
	}

	info, err := c.client.GetInstrumentInfo(symbol)
	if err != nil {
		// Serve stale-but-valid data if we have it; the rules almost
		// certainly have not changed within one failed refresh.
		if ok {
			c.logger.Warn("Instrument refresh failed, serving stale metadata",
				zap.String("symbol", symbol), zap.Error(err))
			return entry.info, nil
		}
		return nil, fmt.Errorf("instrument metadata unavailable for %s: %w", symbol, err)
	}

	c.mu.Lock()
	c.entries[symbol] = cacheEntry{info: info, fetchedAt: c.now()}
	c.mu.Unlock()

	c.logger.Debug("Cached instrument metadata",
		zap.String("symbol", symbol),
		zap.String("tick_size", info.TickSize),
		zap.String("lot_size", info.LotSize),
	)
	return info, nil
}

// Seed inserts metadata directly, bypassing the exchange. Used by tests.
func (c *InstrumentCache) Seed(info *bybit.InstrumentInfo) {
	c.mu.Lock()
	c.entries[info.Symbol] = cacheEntry{info: info, fetchedAt: c.now()}
	c.mu.Unlock()
}

// Reset drops all cached entries, forcing fresh fetches.
func (c *InstrumentCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
