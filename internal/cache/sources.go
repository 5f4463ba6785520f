package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/rdb"
	"github.com/ding113/claude-code-hub/internal/store"
)

// Reload cadences. Pub/sub invalidation usually fires first; the TTL is the
// backstop for missed messages and Redis-less deployments.
const (
	settingsTTL  = 30 * time.Second
	wordsTTL     = time.Minute
	providersTTL = 30 * time.Second
	endpointsTTL = 30 * time.Second
)

// Settings caches the system_settings rows.
type Settings struct {
	snap *Snapshot[model.SystemSettings]
}

func NewSettings(src store.SettingsStore, log *slog.Logger) *Settings {
	return &Settings{
		snap: NewSnapshot("system_settings", settingsTTL, src.Settings, log),
	}
}

// Func returns the zero-argument accessor the engine components take.
// Falls back to the DB defaults until the first successful load.
func (s *Settings) Func() func() model.SystemSettings {
	return func() model.SystemSettings {
		v, err := s.snap.Get(context.Background())
		if err != nil {
			return model.DefaultSystemSettings()
		}
		return v
	}
}

func (s *Settings) Invalidate() { s.snap.Invalidate() }

// Subscribe follows the settings invalidation channel until ctx is cancelled.
func (s *Settings) Subscribe(ctx context.Context, rd *rdb.Client) {
	s.snap.Subscribe(ctx, rd, rd.SettingsChannel())
}

// Words caches the sensitive-word blocklist.
type Words struct {
	snap *Snapshot[[]string]
}

func NewWords(src store.WordStore, log *slog.Logger) *Words {
	return &Words{
		snap: NewSnapshot("sensitive_words", wordsTTL, src.SensitiveWords, log),
	}
}

// Func returns the accessor the sensitive-word guard takes. An unloadable
// blocklist scans nothing rather than blocking traffic.
func (w *Words) Func() func() []string {
	return func() []string {
		v, err := w.snap.Get(context.Background())
		if err != nil {
			return nil
		}
		return v
	}
}

func (w *Words) Invalidate() { w.snap.Invalidate() }

// Providers caches the provider table and the per-(vendor, type) endpoint
// pools. It implements store.ProviderStore so the selector and forwarder
// read through it transparently.
type Providers struct {
	src store.ProviderStore
	log *slog.Logger

	snap *Snapshot[[]*model.Provider]

	mu  sync.Mutex
	eps map[string]*Snapshot[[]*model.ProviderEndpoint]
}

func NewProviders(src store.ProviderStore, log *slog.Logger) *Providers {
	return &Providers{
		src:  src,
		log:  log,
		snap: NewSnapshot("providers", providersTTL, src.Providers, log),
		eps:  make(map[string]*Snapshot[[]*model.ProviderEndpoint]),
	}
}

func (p *Providers) Providers(ctx context.Context) ([]*model.Provider, error) {
	return p.snap.Get(ctx)
}

func (p *Providers) Endpoints(ctx context.Context, vendorID int64, t model.ProviderType) ([]*model.ProviderEndpoint, error) {
	key := fmt.Sprintf("%d:%s", vendorID, t)

	p.mu.Lock()
	snap := p.eps[key]
	if snap == nil {
		snap = NewSnapshot("endpoints:"+key, endpointsTTL,
			func(ctx context.Context) ([]*model.ProviderEndpoint, error) {
				return p.src.Endpoints(ctx, vendorID, t)
			}, p.log)
		p.eps[key] = snap
	}
	p.mu.Unlock()

	return snap.Get(ctx)
}

// Invalidate expires the provider list and every endpoint pool. Endpoint
// rows live on the same admin surface as providers, so one channel covers
// both.
func (p *Providers) Invalidate() {
	p.snap.Invalidate()
	p.mu.Lock()
	for _, snap := range p.eps {
		snap.Invalidate()
	}
	p.mu.Unlock()
}

// Subscribe follows the providers invalidation channel until ctx is
// cancelled.
func (p *Providers) Subscribe(ctx context.Context, rd *rdb.Client) {
	sub := rd.Subscribe(ctx, rd.ProvidersChannel())
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			p.Invalidate()
		}
	}
}
