package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wagate/internal/auth"
	"wagate/internal/bulk"
	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/gateway"
	"wagate/internal/httpapi"
	"wagate/internal/ledger"
	"wagate/internal/session"
	"wagate/internal/transport"
	"wagate/internal/transport/whatsapp"
	logx "wagate/pkg/logx"
)

// App wires the gateway together: config, ledger, transport, dispatch, bulk
// coordinator, session broadcaster and the HTTP surface.
type App struct {
	cfgPath string

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store   ledger.Store
	adapter transport.Adapter
	sess    *session.Broadcaster
	engine  *dispatch.Engine
	bulk    *bulk.Service
	gw      *gateway.Gateway
	api     *httpapi.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	fatal   chan error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console || !cfg.Log.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := ledger.Open(ledger.Config{
		Driver: cfg.Ledger.Driver,
		Path:   cfg.Ledger.Path,
		Cap:    cfg.Ledger.Cap,
	}, log.With(logx.String("comp", "ledger")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	users, err := auth.OpenUsers(cfg.Auth.UsersPath, log.With(logx.String("comp", "auth")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("open users: %w", err)
	}
	if err := users.EnsureAdmin(auth.AdminConfig{
		Username: cfg.Auth.Admin.Username,
		Password: cfg.Auth.Admin.Password,
		APIKey:   cfg.Auth.Admin.APIKey,
	}); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	authSvc, err := auth.NewService(auth.Config{
		JWTSecret: cfg.Auth.JWTSecret,
		JWTTTL:    cfg.JWTTTLDuration(),
	}, users, log.With(logx.String("comp", "auth")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("auth service: %w", err)
	}

	sess := session.NewBroadcaster(log.With(logx.String("comp", "session")))

	adapter := newAdapter(cfg.Transport, log)

	engine := dispatch.NewEngine(dispatch.Config{
		CountryCode: cfg.Dispatch.CountryCode,
		Suffix:      cfg.Dispatch.Suffix,
	}, adapter, store, sess, log.With(logx.String("comp", "dispatch")))

	bulkSvc := bulk.New(bulk.Config{
		DefaultDelay:  time.Duration(cfg.Bulk.DefaultDelayMS) * time.Millisecond,
		MinDelay:      time.Duration(cfg.Bulk.MinDelayMS) * time.Millisecond,
		MaxRecipients: cfg.Bulk.MaxRecipients,
	}, engine, log.With(logx.String("comp", "bulk")))

	gw := gateway.New(adapter, sess, engine, log.With(logx.String("comp", "gateway")))

	api := httpapi.New(httpapi.Config{
		Addr:       cfg.Server.Addr,
		Production: cfg.Server.Production(),
		RateLimit:  cfg.Server.RateLimit,
		RateWindow: cfg.RateWindowDuration(),
	}, authSvc, store, engine, bulkSvc, sess, gw, log.With(logx.String("comp", "http")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		store:   store,
		adapter: adapter,
		sess:    sess,
		engine:  engine,
		bulk:    bulkSvc,
		gw:      gw,
		api:     api,
		fatal:   make(chan error, 1),
	}, nil
}

func newAdapter(cfg config.TransportConfig, log logx.Logger) transport.Adapter {
	// Only one production driver today; keep the switch so a test double can
	// slot in later without reshaping the wiring.
	switch cfg.Driver {
	default:
		return whatsapp.New(whatsapp.Config{SessionPath: cfg.SessionPath},
			log.With(logx.String("comp", "transport")))
	}
}

// Start brings the gateway up. It returns once the HTTP listener and the
// transport pump are running; fatal background errors surface via Done/Err.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.bulk.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.gw.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.fail(fmt.Errorf("gateway: %w", err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.fail(fmt.Errorf("http: %w", err))
		}
	}()

	// Config hot reload: watch the file, re-apply log settings on change.
	// Structural settings (ledger driver, listen addr) need a restart.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts, keep only the newest.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
						continue
					default:
					}
					break
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Log.Level,
					Console: cfg.Log.Console || !cfg.Log.File.Enabled,
					File: logx.FileConfig{
						Enabled: cfg.Log.File.Enabled,
						Path:    cfg.Log.File.Path,
					},
				})
				a.log.Info("config reloaded", logx.String("level", cfg.Log.Level))
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("gateway started")
	return nil
}

func (a *App) fail(err error) {
	a.errOnce.Do(func() {
		a.fatal <- err
		if a.cancel != nil {
			a.cancel()
		}
	})
}

// Done yields the first fatal background error, if any.
func (a *App) Done() <-chan error { return a.fatal }

// Stop shuts everything down, bounded per step so one component can't stall
// the whole exit.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("http", 3*time.Second, a.api.Shutdown)
	step("bulk", 3*time.Second, func(c context.Context) error { a.bulk.Stop(c); return nil })
	step("transport", 3*time.Second, a.gw.Shutdown)
	step("ledger", time.Second, func(context.Context) error { return a.store.Close() })

	waited := make(chan struct{})
	go func() { a.wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached before background loops exited")
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
