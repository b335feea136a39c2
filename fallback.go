package loopline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultSyncInterval = 5 * time.Second
	defaultSyncDebounce = 500 * time.Millisecond
)

// FallbackConfig configures a FallbackSync.
type FallbackConfig struct {
	Engine *Engine
	Conn   *ConnManager

	Interval time.Duration // default 5s
	Debounce time.Duration // default 500ms
	Logger   zerolog.Logger
}

// FallbackSync bounds staleness while the realtime channel is
// unavailable: on a fixed interval, independent of the Connection
// Manager's own retry timer, it checks the connection state and triggers
// a full conversation re-fetch through the engine's merge path whenever
// the state is not Connected. Explicit kicks (conversation switches) are
// debounced so rapid selection changes do not cause request storms.
type FallbackSync struct {
	engine   *Engine
	conn     *ConnManager
	interval time.Duration
	limiter  *rate.Limiter
	kick     chan struct{}
	log      zerolog.Logger
}

// NewFallbackSync creates a synchronizer; call Run to start it.
func NewFallbackSync(cfg FallbackConfig) *FallbackSync {
	if cfg.Interval == 0 {
		cfg.Interval = defaultSyncInterval
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = defaultSyncDebounce
	}
	return &FallbackSync{
		engine:   cfg.Engine,
		conn:     cfg.Conn,
		interval: cfg.Interval,
		limiter:  rate.NewLimiter(rate.Every(cfg.Debounce), 1),
		kick:     make(chan struct{}, 1),
		log:      cfg.Logger.With().Str("component", "fallback").Logger(),
	}
}

// Kick requests an immediate (debounced) resync, e.g. after switching
// the active conversation. Never blocks.
func (fs *FallbackSync) Kick() {
	select {
	case fs.kick <- struct{}{}:
	default:
	}
}

// Run drives the recurring check until ctx is done.
func (fs *FallbackSync) Run(ctx context.Context) {
	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fs.conn.State() == StateConnected {
				continue
			}
			fs.sync(ctx)
		case <-fs.kick:
			// A kick resyncs regardless of connection state: the active
			// conversation changed and its history must be loaded.
			fs.sync(ctx)
		}
	}
}

func (fs *FallbackSync) sync(ctx context.Context) {
	if err := fs.limiter.Wait(ctx); err != nil {
		return
	}
	if err := fs.engine.Resync(ctx); err != nil {
		fs.log.Warn().Err(err).Msg("fallback resync failed")
		return
	}
	fs.log.Debug().Msg("fallback resync complete")
}
