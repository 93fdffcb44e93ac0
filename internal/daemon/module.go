package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/backend"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/bus"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/cache"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/config"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/conv"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/lock"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/logging"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/realtime"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/session"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session and conversation configuration
// passed to the fx module.
type Params struct {
	SessionName    string
	ConversationID string
	TaskID         string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideConfig,
			provideCache,
			provideBackend,
			provideMirror,
			provideSupervisor,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.BackendURL == "" || cfg.APIKey == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("config %s must set backend_url, api_key and user_id", session.ConfigPath())
	}
	return cfg, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) *backend.Client {
	return backend.NewClient(cfg.BackendURL, cfg.APIKey, logger)
}

func provideMirror(db *cache.DB, b *bus.Bus, logger *zap.Logger) *cache.Mirror {
	return cache.NewMirror(db, b, logger)
}

func provideSupervisor(p Params, cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Supervisor {
	var sup *Supervisor
	rt := realtime.NewClient(realtimeURL(cfg.BackendURL), cfg.APIKey, func(connected bool) {
		sup.HandleState(connected)
	}, logger)
	sup = NewSupervisor(rt, b, m, p.ConversationID, p.TaskID, cfg.UserID, logger)
	return sup
}

func provideEngine(p Params, cfg *config.Config, client *backend.Client, b *bus.Bus, sup *Supervisor, db *cache.DB, logger *zap.Logger) *conv.Engine {
	return conv.New(conv.Options{
		ConversationID: p.ConversationID,
		TaskID:         p.TaskID,
		UserID:         cfg.UserID,
		Backend:        client,
		Bus:            b,
		Channel:        sup,
		History:        db,
		Logger:         logger,
	})
}

// realtimeURL derives the websocket endpoint from the backend base URL.
func realtimeURL(baseURL string) string {
	ws := baseURL
	if after, ok := strings.CutPrefix(ws, "https://"); ok {
		ws = "wss://" + after
	} else if after, ok := strings.CutPrefix(ws, "http://"); ok {
		ws = "ws://" + after
	}
	return ws + "/realtime/v1/websocket"
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, mirror *cache.Mirror, sup *Supervisor, engine *conv.Engine, db *cache.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Mirror first so the initial load lands in the cache.
			mirror.Start(ctx)
			engine.Start(ctx)

			if err := sup.Start(ctx); err != nil {
				logger.Error("realtime connect failed", zap.Error(err))
				// The engine still serves cached history; the
				// supervisor keeps redialing in the background.
				sup.HandleState(false)
				go sup.watch(ctx)
			}

			go func() {
				if err := engine.Load(ctx, true); err != nil {
					logger.Warn("initial load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Close()
			sup.Close()
			mirror.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
