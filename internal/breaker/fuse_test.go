package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/ding113/claude-code-hub/internal/model"
)

func TestFuse_StartsClosed(t *testing.T) {
	f := NewFuse(nil, nil)
	if f.IsOpen(context.Background(), 1, model.TypeClaude) {
		t.Error("new fuse should be closed")
	}
}

func TestFuse_AutoOpenAndCoolDown(t *testing.T) {
	ctx := context.Background()
	f := NewFuse(nil, nil)

	base := time.Now()
	f.now = func() time.Time { return base }

	f.Open(ctx, 1, model.TypeClaude, FuseAllEndpointsUnhealthy, time.Second)
	if !f.IsOpen(ctx, 1, model.TypeClaude) {
		t.Fatal("fuse should be open")
	}

	// Other pairs are unaffected.
	if f.IsOpen(ctx, 1, model.TypeCodex) {
		t.Error("fuse must be scoped to (vendor, type)")
	}
	if f.IsOpen(ctx, 2, model.TypeClaude) {
		t.Error("fuse must be scoped to (vendor, type)")
	}

	// Past the cool-down the fuse closes lazily on read.
	f.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	if f.IsOpen(ctx, 1, model.TypeClaude) {
		t.Error("fuse should auto-close after cool-down")
	}
}

func TestFuse_MinimumCoolDown(t *testing.T) {
	ctx := context.Background()
	f := NewFuse(nil, nil)

	base := time.Now()
	f.now = func() time.Time { return base }

	// Sub-second cool-downs are floored to one second.
	f.Open(ctx, 1, model.TypeGemini, FuseNoEnabledEndpoints, 10*time.Millisecond)

	f.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	if !f.IsOpen(ctx, 1, model.TypeGemini) {
		t.Error("fuse should still be open before the 1s floor elapses")
	}
}

func TestFuse_ManualOpenSupersedesAuto(t *testing.T) {
	ctx := context.Background()
	f := NewFuse(nil, nil)

	base := time.Now()
	f.now = func() time.Time { return base }

	f.ManualOpen(ctx, 1, model.TypeClaude)

	// An auto-open must not downgrade the manual state.
	f.Open(ctx, 1, model.TypeClaude, FuseMassTimeout, time.Second)

	// Manual open never auto-closes.
	f.now = func() time.Time { return base.Add(time.Hour) }
	if !f.IsOpen(ctx, 1, model.TypeClaude) {
		t.Error("manual open must not auto-close")
	}

	f.ManualClose(ctx, 1, model.TypeClaude)
	if f.IsOpen(ctx, 1, model.TypeClaude) {
		t.Error("manual close should close the fuse")
	}
}
