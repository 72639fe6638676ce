package amoura

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestVisibility(profileID string) (*VisibilityMonitor, *atomic.Int32) {
	cfg := testConfig()
	var resyncs atomic.Int32
	v := newVisibilityMonitor(cfg, zerolog.Nop(),
		func() string { return profileID },
		func(ctx context.Context) { resyncs.Add(1) })
	return v, &resyncs
}

func TestVisibilityLongHideTriggersResync(t *testing.T) {
	v, resyncs := newTestVisibility("me")
	ctx := context.Background()

	v.SetVisible(ctx, false)
	time.Sleep(testConfig().HiddenThreshold + 20*time.Millisecond)
	v.SetVisible(ctx, true)

	assert.Equal(t, int32(1), resyncs.Load())
}

func TestVisibilityShortHideIsQuiet(t *testing.T) {
	v, resyncs := newTestVisibility("me")
	ctx := context.Background()

	v.SetVisible(ctx, false)
	v.SetVisible(ctx, true)

	assert.Equal(t, int32(0), resyncs.Load(), "a quick tab flip needs no session check")
}

func TestVisibilityLostProfileAlwaysResyncs(t *testing.T) {
	// No profile id held: even an instant return to the foreground must
	// re-check the session.
	v, resyncs := newTestVisibility("")
	ctx := context.Background()

	v.SetVisible(ctx, false)
	v.SetVisible(ctx, true)

	assert.Equal(t, int32(1), resyncs.Load())
}

func TestVisibilityRedundantTransitionsIgnored(t *testing.T) {
	v, resyncs := newTestVisibility("me")
	ctx := context.Background()

	v.SetVisible(ctx, true)
	v.SetVisible(ctx, true)
	assert.Equal(t, int32(0), resyncs.Load())

	v.SetVisible(ctx, false)
	v.SetVisible(ctx, false)
	time.Sleep(testConfig().HiddenThreshold + 20*time.Millisecond)
	v.SetVisible(ctx, true)
	assert.Equal(t, int32(1), resyncs.Load())
}
