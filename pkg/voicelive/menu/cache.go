package menu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores built menu contexts keyed by tenant. A miss is (zero, false,
// nil); only transport or codec failures return errors.
type Cache interface {
	Get(ctx context.Context, tenantID string) (Context, bool, error)
	Set(ctx context.Context, tenantID string, mc Context, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string) error
	Close() error
}

// NewCache builds a cache for the given driver: "memory" or "redis".
func NewCache(driver, redisAddr string) (Cache, error) {
	switch driver {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		if redisAddr == "" {
			return nil, fmt.Errorf("menu cache: redis driver requires an address")
		}
		return NewRedisCache(redisAddr), nil
	default:
		return nil, fmt.Errorf("menu cache: unknown driver %q", driver)
	}
}

type memoryEntry struct {
	mc        Context
	expiresAt time.Time
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, tenantID string) (Context, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if !ok {
		return Context{}, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, tenantID)
		c.mu.Unlock()
		return Context{}, false, nil
	}
	return e.mc.Copy(), true, nil
}

func (c *MemoryCache) Set(_ context.Context, tenantID string, mc Context, ttl time.Duration) error {
	e := memoryEntry{mc: mc.Copy()}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[tenantID] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, tenantID string) error {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// cachedContext is the serialized redis form. Maps and slices survive JSON;
// LoadedAt keeps the original fetch time across processes.
type cachedContext struct {
	TenantID      string              `json:"tenant_id"`
	FormattedMenu string              `json:"formatted_menu"`
	ItemIDs       map[string]int64    `json:"item_ids"`
	ItemAliases   map[string][]string `json:"item_aliases"`
	TaxRate       float64             `json:"tax_rate"`
	ModifierRules []ModifierRule      `json:"modifier_rules"`
	LoadedAt      time.Time           `json:"loaded_at"`
	SizeBytes     int                 `json:"size_bytes"`
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func redisKey(tenantID string) string {
	return "voicelive:menu:" + tenantID
}

func (c *RedisCache) Get(ctx context.Context, tenantID string) (Context, bool, error) {
	raw, err := c.client.Get(ctx, redisKey(tenantID)).Bytes()
	if err == redis.Nil {
		return Context{}, false, nil
	}
	if err != nil {
		return Context{}, false, fmt.Errorf("menu cache: redis get: %w", err)
	}
	var cc cachedContext
	if err := json.Unmarshal(raw, &cc); err != nil {
		return Context{}, false, fmt.Errorf("menu cache: decode entry: %w", err)
	}
	return Context{
		TenantID:      cc.TenantID,
		FormattedMenu: cc.FormattedMenu,
		ItemIDs:       cc.ItemIDs,
		ItemAliases:   cc.ItemAliases,
		TaxRate:       cc.TaxRate,
		ModifierRules: cc.ModifierRules,
		LoadedAt:      cc.LoadedAt,
		SizeBytes:     cc.SizeBytes,
	}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, tenantID string, mc Context, ttl time.Duration) error {
	raw, err := json.Marshal(cachedContext{
		TenantID:      mc.TenantID,
		FormattedMenu: mc.FormattedMenu,
		ItemIDs:       mc.ItemIDs,
		ItemAliases:   mc.ItemAliases,
		TaxRate:       mc.TaxRate,
		ModifierRules: mc.ModifierRules,
		LoadedAt:      mc.LoadedAt,
		SizeBytes:     mc.SizeBytes,
	})
	if err != nil {
		return fmt.Errorf("menu cache: encode entry: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(tenantID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("menu cache: redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, tenantID string) error {
	if err := c.client.Del(ctx, redisKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("menu cache: redis del: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }
