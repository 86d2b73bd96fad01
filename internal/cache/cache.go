package cache

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"trade-sync/internal/types"
)

// ownersPerList bounds the trade to user index relative to the listing cache.
const ownersPerList = 100

// TradeCache holds per-user trade listings and the trade to user index used
// to invalidate them. Listings cost one unit each; owners are bounded at
// ownersPerList times that.
type TradeCache struct {
	lists  *ristretto.Cache
	owners *ristretto.Cache
	ttl    time.Duration
	// epoch prefixes listing keys; DropAll bumps it instead of clearing.
	epoch atomic.Uint64
}

func New(maxCost int64, ttl time.Duration) (*TradeCache, error) {
	lists, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
		// Costs count entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	owners, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxCost * ownersPerList * 10,
		MaxCost:            maxCost * ownersPerList,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		lists.Close()
		return nil, err
	}
	return &TradeCache{lists: lists, owners: owners, ttl: ttl}, nil
}

func (c *TradeCache) key(userID string) string {
	return strconv.FormatUint(c.epoch.Load(), 10) + ":trades:" + userID
}

func (c *TradeCache) Trades(userID string) ([]types.StoredTrade, bool) {
	v, ok := c.lists.Get(c.key(userID))
	if !ok {
		return nil, false
	}
	trades, ok := v.([]types.StoredTrade)
	return trades, ok
}

// SetTrades waits for the write buffer so a following Trades call observes
// the listing.
func (c *TradeCache) SetTrades(userID string, trades []types.StoredTrade) {
	c.lists.SetWithTTL(c.key(userID), trades, 1, c.ttl)
	c.lists.Wait()
}

func (c *TradeCache) Drop(userID string) { c.lists.Del(c.key(userID)) }

// DropAll makes every cached listing unreachable. The old entries age out
// through TTL and eviction.
func (c *TradeCache) DropAll() { c.epoch.Add(1) }

// SetOwners records userID as the owner of tradeIDs. Owners live twice as
// long as listings so a cached listing rarely outlives its index entries.
func (c *TradeCache) SetOwners(userID string, tradeIDs ...int64) {
	for _, id := range tradeIDs {
		c.owners.SetWithTTL(id, userID, 1, 2*c.ttl)
	}
	c.owners.Wait()
}

func (c *TradeCache) Owner(tradeID int64) (string, bool) {
	v, ok := c.owners.Get(tradeID)
	if !ok {
		return "", false
	}
	userID, ok := v.(string)
	return userID, ok
}

func (c *TradeCache) Close() {
	c.lists.Close()
	c.owners.Close()
}
