package amoura

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Visibility-Driven Resync
// ============================================================================

// VisibilityMonitor tracks foreground/background transitions of the
// embedding surface (a browser tab, a desktop window). Coming back to the
// foreground after a long enough hidden interval forces a session check,
// so a backgrounded client whose auth state drifted cannot keep serving
// stale data.
type VisibilityMonitor struct {
	cfg *Config
	log zerolog.Logger

	// resync is the engine's session-revalidation hook.
	resync func(ctx context.Context)
	// profileID reports whether the engine currently holds a profile.
	profileID func() string

	mu       sync.Mutex
	visible  bool
	hiddenAt time.Time
}

func newVisibilityMonitor(cfg *Config, log zerolog.Logger, profileID func() string, resync func(ctx context.Context)) *VisibilityMonitor {
	return &VisibilityMonitor{
		cfg:       cfg,
		log:       log.With().Str("component", "visibility").Logger(),
		resync:    resync,
		profileID: profileID,
		visible:   true,
	}
}

// SetVisible records a visibility transition. The embedding app calls this
// from its own lifecycle hooks. A hidden→visible transition after more than
// the configured threshold, or any transition to visible while no profile id
// is held, triggers a session revalidation.
func (v *VisibilityMonitor) SetVisible(ctx context.Context, visible bool) {
	v.mu.Lock()
	was := v.visible
	v.visible = visible
	if was && !visible {
		v.hiddenAt = time.Now()
		v.mu.Unlock()
		return
	}
	hiddenFor := time.Duration(0)
	if !was && visible && !v.hiddenAt.IsZero() {
		hiddenFor = time.Since(v.hiddenAt)
	}
	v.mu.Unlock()

	if was == visible {
		return
	}

	if hiddenFor > v.cfg.HiddenThreshold || v.profileID() == "" {
		v.log.Debug().Dur("hidden_for", hiddenFor).Msg("visibility resync")
		v.resync(ctx)
	}
}
