package menu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

// Provider supplies tenant menu contexts to sessions.
type Provider interface {
	MenuContext(ctx context.Context, tenantID string) (Context, error)
	FetchHealth() []TenantFetchHealth
}

// TenantFetchHealth is the last-known fetch outcome for one tenant, surfaced
// on the voice health endpoint.
type TenantFetchHealth struct {
	TenantID    string        `json:"tenant_id"`
	Healthy     bool          `json:"healthy"`
	LastFetchAt time.Time     `json:"last_fetch_at"`
	LastError   string        `json:"last_error,omitempty"`
	ItemCount   int           `json:"item_count"`
	RuleCount   int           `json:"rule_count"`
	Latency     time.Duration `json:"latency"`
	FromCache   bool          `json:"from_cache"`
}

type menuPayload struct {
	Items         []Item         `json:"items"`
	TaxRate       float64        `json:"tax_rate"`
	ModifierRules []ModifierRule `json:"modifier_rules"`
}

// HTTPProvider fetches menu contexts from the platform menu service and keeps
// a cache in front of it. Fetch failures and empty menus are loud: the caller
// gets an error, never a silent blank menu.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	health map[string]TenantFetchHealth
}

type ProviderOption func(*HTTPProvider)

func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *HTTPProvider) { p.client = c }
}

func WithCache(cache Cache, ttl time.Duration) ProviderOption {
	return func(p *HTTPProvider) {
		p.cache = cache
		p.ttl = ttl
	}
}

func WithClock(now func() time.Time) ProviderOption {
	return func(p *HTTPProvider) { p.now = now }
}

func NewHTTPProvider(baseURL string, logger *slog.Logger, opts ...ProviderOption) *HTTPProvider {
	p := &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		now:     time.Now,
		health:  make(map[string]TenantFetchHealth),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MenuContext returns the tenant's menu context, from cache when fresh. An
// empty or unusable menu is an error, not a degraded session.
func (p *HTTPProvider) MenuContext(ctx context.Context, tenantID string) (Context, error) {
	start := p.now()
	if p.cache != nil {
		if cached, ok, err := p.cache.Get(ctx, tenantID); err != nil {
			p.logger.Warn("menu cache read failed", "tenant_id", tenantID, "error", err)
		} else if ok {
			p.recordHealth(tenantID, cached, true, p.now().Sub(start), nil)
			return cached.Copy(), nil
		}
	}

	mc, err := p.fetch(ctx, tenantID)
	if err != nil {
		p.recordHealth(tenantID, Context{}, false, p.now().Sub(start), err)
		return Context{}, err
	}
	if mc.ItemCount() == 0 {
		err := voerr.MenuUnavailable(tenantID)
		p.recordHealth(tenantID, Context{}, false, p.now().Sub(start), err)
		return Context{}, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, tenantID, mc, p.ttl); err != nil {
			p.logger.Warn("menu cache write failed", "tenant_id", tenantID, "error", err)
		}
	}
	p.recordHealth(tenantID, mc, false, p.now().Sub(start), nil)
	return mc.Copy(), nil
}

func (p *HTTPProvider) fetch(ctx context.Context, tenantID string) (Context, error) {
	url := fmt.Sprintf("%s/v1/tenants/%s/menu-context", p.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Context{}, voerr.Wrap(voerr.KindConfig, "build menu request", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Context{}, voerr.Wrap(voerr.KindConfig, "menu service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Context{}, voerr.New(voerr.KindConfig, fmt.Sprintf("menu service returned %d for %s", resp.StatusCode, tenantID))
	}

	var payload menuPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Context{}, voerr.Wrap(voerr.KindConfig, "decode menu payload", err)
	}
	return BuildContext(tenantID, payload.Items, payload.TaxRate, payload.ModifierRules, p.now()), nil
}

func (p *HTTPProvider) recordHealth(tenantID string, mc Context, fromCache bool, latency time.Duration, fetchErr error) {
	h := TenantFetchHealth{
		TenantID:    tenantID,
		Healthy:     fetchErr == nil,
		LastFetchAt: p.now(),
		ItemCount:   mc.ItemCount(),
		RuleCount:   len(mc.ModifierRules),
		Latency:     latency,
		FromCache:   fromCache,
	}
	if fetchErr != nil {
		h.LastError = fetchErr.Error()
	}
	p.mu.Lock()
	p.health[tenantID] = h
	p.mu.Unlock()
}

// FetchHealth snapshots the last fetch outcome per tenant.
func (p *HTTPProvider) FetchHealth() []TenantFetchHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TenantFetchHealth, 0, len(p.health))
	for _, h := range p.health {
		out = append(out, h)
	}
	return out
}
