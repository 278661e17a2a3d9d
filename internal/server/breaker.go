package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maelstrand/vocalis/pkg/speech"
)

// ErrUpstreamSuspended is returned by the connect breaker while the upstream
// is considered down. Sessions treat it like any other dial failure and run
// in fallback mode.
var ErrUpstreamSuspended = errors.New("server: upstream suspended after repeated connect failures")

const (
	// breakerMaxFailures opens the breaker after this many consecutive
	// connect failures.
	breakerMaxFailures = 5

	// breakerCooldown is how long connects are suspended before a single
	// probe dial is allowed through.
	breakerCooldown = 30 * time.Second
)

// breakerProvider guards a speech backend against connect storms. Every
// select_persona triggers a dial; when the backend is down (expired key,
// outage) an open breaker fails those dials instantly instead of stacking
// slow timeouts, and lets one probe through per cooldown to detect recovery.
type breakerProvider struct {
	inner  speech.Provider
	logger *slog.Logger

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

func newBreakerProvider(inner speech.Provider, logger *slog.Logger) *breakerProvider {
	return &breakerProvider{inner: inner, logger: logger}
}

// Connect forwards to the inner provider unless the breaker is open.
func (b *breakerProvider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	handle, err := b.inner.Connect(ctx, cfg)
	b.record(err)
	return handle, err
}

// admit decides whether a dial may proceed.
func (b *breakerProvider) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < breakerMaxFailures {
		return nil
	}
	if time.Since(b.openedAt) < breakerCooldown || b.probing {
		return ErrUpstreamSuspended
	}
	// Cooldown elapsed: allow exactly one probe at a time.
	b.probing = true
	b.logger.Info("probing suspended upstream")
	return nil
}

// record updates failure accounting after a dial attempt.
func (b *breakerProvider) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.probing
	b.probing = false

	if err == nil {
		if b.failures >= breakerMaxFailures {
			b.logger.Info("upstream recovered, resuming connects")
		}
		b.failures = 0
		return
	}

	b.failures++
	if b.failures == breakerMaxFailures || wasProbe {
		b.openedAt = time.Now()
		if !wasProbe {
			b.logger.Warn("suspending upstream connects",
				"consecutive_failures", b.failures,
				"cooldown", breakerCooldown)
		}
	}
}

var _ speech.Provider = (*breakerProvider)(nil)
