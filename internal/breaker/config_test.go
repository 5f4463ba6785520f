package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfigCache_CachesWithinTTL(t *testing.T) {
	var loads atomic.Int32
	c := NewConfigCache(func(ctx context.Context, id int64) (Config, error) {
		loads.Add(1)
		return Config{FailureThreshold: 7, OpenDuration: time.Second, HalfOpenSuccessThreshold: 1}, nil
	}, testConfig(), nil)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		cfg := c.Load(ctx, 42)
		if cfg.FailureThreshold != 7 {
			t.Fatalf("expected loaded config, got %+v", cfg)
		}
	}
	if loads.Load() != 1 {
		t.Errorf("expected a single load within TTL, got %d", loads.Load())
	}
}

func TestConfigCache_DefaultsOnLoaderError(t *testing.T) {
	c := NewConfigCache(func(ctx context.Context, id int64) (Config, error) {
		return Config{}, errors.New("db down")
	}, testConfig(), nil)

	cfg := c.Load(context.Background(), 1)
	if cfg.FailureThreshold != testConfig().FailureThreshold {
		t.Errorf("expected defaults on loader error, got %+v", cfg)
	}
}

func TestConfigCache_InvalidateForcesReload(t *testing.T) {
	var loads atomic.Int32
	c := NewConfigCache(func(ctx context.Context, id int64) (Config, error) {
		n := loads.Add(1)
		return Config{FailureThreshold: int(n), OpenDuration: time.Second, HalfOpenSuccessThreshold: 1}, nil
	}, testConfig(), nil)

	ctx := context.Background()
	first := c.Load(ctx, 1)
	c.Invalidate(1)
	second := c.Load(ctx, 1)

	if first.FailureThreshold == second.FailureThreshold {
		t.Error("invalidate should force a fresh load")
	}
}

func TestConfigCache_ZeroFieldsFilledFromDefaults(t *testing.T) {
	c := NewConfigCache(func(ctx context.Context, id int64) (Config, error) {
		// Provider row sets only the threshold.
		return Config{FailureThreshold: 9}, nil
	}, testConfig(), nil)

	cfg := c.Load(context.Background(), 1)
	if cfg.OpenDuration != testConfig().OpenDuration {
		t.Errorf("open duration should fall back to default, got %v", cfg.OpenDuration)
	}
	if cfg.HalfOpenSuccessThreshold != testConfig().HalfOpenSuccessThreshold {
		t.Errorf("half-open threshold should fall back to default, got %d", cfg.HalfOpenSuccessThreshold)
	}
}

func TestConfigCache_ConcurrentLoadsCoalesce(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	c := NewConfigCache(func(ctx context.Context, id int64) (Config, error) {
		loads.Add(1)
		<-release
		return Config{FailureThreshold: 5, OpenDuration: time.Second, HalfOpenSuccessThreshold: 1}, nil
	}, testConfig(), nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Load(ctx, 1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if loads.Load() != 1 {
		t.Errorf("concurrent loads should coalesce to one, got %d", loads.Load())
	}
}
