package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/relayterm/termfile/internal/ratelimit"
)

// Option configures an Engine at construction, mirroring the teacher's
// functional-option pattern (server/options.go's WithDriver/WithLogger).
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithMetrics sets the metrics collector. Defaults to NopMetrics.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBypassPassphrase sets the shared secret spec.md §6.5 calls
// `file_transfer_confirmation_bypass`. Empty (the default) disables bypass.
func WithBypassPassphrase(passphrase string) Option {
	return func(e *Engine) { e.bypassPassphrase = passphrase }
}

// WithHomeDir sets the directory relative paths are resolved against.
// Defaults to os.UserHomeDir() at construction time.
func WithHomeDir(dir string) Option {
	return func(e *Engine) { e.homeDir = dir }
}

// WithLimits overrides MAX_ACTIVE_RECEIVES / MAX_ACTIVE_SENDS (spec.md
// §4.7; default 10/10).
func WithLimits(maxReceives, maxSends int) Option {
	return func(e *Engine) {
		e.maxReceives = maxReceives
		e.maxSends = maxSends
	}
}

// WithExpiry overrides the session idle timeout (spec.md §5; default 10
// minutes).
func WithExpiry(ttl time.Duration) Option {
	return func(e *Engine) { e.expiry = ttl }
}

// WithSendRateLimit caps outbound body-chunk production for every send
// session at bytesPerSecond, applied to each SourceFile as it starts
// transmitting. Unset (the default) leaves sends unthrottled.
func WithSendRateLimit(bytesPerSecond int64) Option {
	return func(e *Engine) { e.rateLimiter = ratelimit.New(bytesPerSecond) }
}
