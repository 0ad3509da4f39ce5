/*
 * Reach
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package service assembles a reachd process from its configuration:
// storage, the identity gate, browser and workflow runtime clients,
// the session manager, extension bridge, run controller, schedule
// engine and the web API, tied together with graceful shutdown.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/reach/lib/activity"
	"github.com/gravitational/reach/lib/agent"
	"github.com/gravitational/reach/lib/authgate"
	"github.com/gravitational/reach/lib/bridge"
	"github.com/gravitational/reach/lib/browser"
	"github.com/gravitational/reach/lib/credstore"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/scheduler"
	"github.com/gravitational/reach/lib/service/servicecfg"
	"github.com/gravitational/reach/lib/session"
	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/storage/pg"
	"github.com/gravitational/reach/lib/storage/redisactivity"
	"github.com/gravitational/reach/lib/utils/retryutils"
	"github.com/gravitational/reach/lib/web"
	"github.com/gravitational/reach/lib/workflow"
)

const (
	serveRetryStep = 5 * time.Second
	serveRetryMax  = time.Minute
)

// Process is an assembled reachd instance. New builds it, Serve runs
// it, Close releases it.
type Process struct {
	cfg *servicecfg.Config
	log *slog.Logger

	backend  storage.Backend
	sessions *session.Manager
	bus      *activity.Bus
	bridge   *bridge.Bridge
	ctl      *agent.Controller
	engine   *scheduler.Engine

	listener net.Listener
	srv      *http.Server

	closeOnce sync.Once
}

// Run assembles the process from cfg and serves until the context is
// cancelled or the process receives SIGINT or SIGTERM.
func Run(ctx context.Context, cfg *servicecfg.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			p.log.WarnContext(ctx, "Process shutdown reported errors", "error", err)
		}
	}()
	return trace.Wrap(p.Serve(ctx))
}

// New builds every component and binds the listen address.
func New(ctx context.Context, cfg *servicecfg.Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Process{cfg: cfg, log: cfg.Log}
	if err := p.init(ctx); err != nil {
		p.Close()
		return nil, trace.Wrap(err)
	}
	return p, nil
}

func (p *Process) init(ctx context.Context) error {
	cfg := p.cfg

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	p.backend = backend

	validator, err := authgate.NewValidator(authgate.ValidatorConfig{
		Issuer:   cfg.Auth.IssuerURL,
		Audience: cfg.Auth.Audience,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	creds, err := credstore.NewStore(credstore.Config{
		SealKey: cfg.Credentials.EncryptionKey,
		Backend: backend,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	browserRuntime, err := browser.NewClient(browser.ClientConfig{
		Addr: cfg.BrowserRuntime.Addr,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	runtime, err := workflow.NewHTTPClient(workflow.HTTPClientConfig{
		Addr: cfg.WorkflowRuntime.Addr,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.sessions, err = session.NewManager(ctx, session.Config{
		Backend:       backend,
		Credentials:   creds,
		Runtime:       browserRuntime,
		IdleTTL:       cfg.Session.IdleTTL,
		WarmupTimeout: cfg.Session.WarmupTimeout,
		WarmupStep:    cfg.Session.WarmupStep,
		ReapInterval:  cfg.Session.ReapInterval,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.bus, err = activity.NewBus(activity.Config{
		Backend: backend,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.bridge, err = bridge.New(bridge.Config{
		Bus:            p.bus,
		RequestTimeout: cfg.Extension.RequestTimeout,
		PingInterval:   cfg.Extension.PingInterval,
		PongTimeout:    cfg.Extension.PongTimeout,
		Clock:          cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.ctl, err = agent.NewController(agent.Config{
		Runtime: runtime,
		Threads: backend,
		Bus:     p.bus,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.engine, err = scheduler.NewEngine(ctx, scheduler.Config{
		Backend:      backend,
		Agent:        p.ctl,
		Tick:         cfg.Scheduler.Tick,
		MissedPolicy: cfg.Scheduler.MissedPolicy,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		TokenValidator: validator,
		Sessions:       p.sessions,
		Credentials:    creds,
		Bridge:         p.bridge,
		Agent:          p.ctl,
		Scheduler:      p.engine,
		Bus:            p.bus,
		Clock:          cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err, "binding %v", cfg.ListenAddr)
	}
	p.listener = listener
	p.srv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: defaults.HTTPReadHeaderTimeout,
		IdleTimeout:       defaults.HTTPIdleTimeout,
	}
	return nil
}

// newBackend builds the storage stack: the core backend per
// storage.backend, with activity reads and writes optionally split
// off to redis.
func newBackend(ctx context.Context, cfg *servicecfg.Config) (storage.Backend, error) {
	var base storage.Backend
	switch cfg.Storage.Backend {
	case defaults.BackendMemory:
		base = storage.NewMemory()
	case defaults.BackendPostgres:
		pgBackend, err := pg.New(ctx, pg.Config{
			ConnString: cfg.Storage.ConnString,
			Clock:      cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		base = pgBackend
	default:
		return nil, trace.BadParameter("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Activity.HistoryBackend == defaults.BackendRedis {
		store, err := redisactivity.New(ctx, redisactivity.Config{
			Addr:       cfg.Activity.RedisAddr,
			MaxHistory: int64(cfg.Activity.HistoryLimit),
		})
		if err != nil {
			base.Close()
			return nil, trace.Wrap(err)
		}
		base = storage.SplitActivity(base, store)
	}
	return base, nil
}

// Addr returns the bound listen address.
func (p *Process) Addr() string {
	return p.listener.Addr().String()
}

// Serve runs the HTTP API until ctx is cancelled, restarting the
// serve loop with linear backoff if it crashes.
func (p *Process) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		retry, err := retryutils.NewLinear(retryutils.LinearConfig{
			Step: serveRetryStep,
			Max:  serveRetryMax,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		for {
			p.log.InfoContext(gctx, "Serving the reach API", "addr", p.Addr())
			err := p.srv.Serve(p.listener)
			if errors.Is(err, http.ErrServerClosed) || gctx.Err() != nil {
				return nil
			}
			retry.Inc()
			p.log.ErrorContext(gctx, "Web server crashed, restarting",
				"error", err, "backoff", retry.Duration())
			select {
			case <-retry.After():
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.GracefulShutdownTimeout)
		defer cancel()
		if err := p.srv.Shutdown(shutdownCtx); err != nil {
			p.log.WarnContext(shutdownCtx, "Graceful shutdown expired, forcing close", "error", err)
			return trace.Wrap(p.srv.Close())
		}
		return nil
	})
	return trace.Wrap(g.Wait())
}

// Close releases every component. Safe to call more than once and on
// a partially built process.
func (p *Process) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		if p.engine != nil {
			errs = append(errs, p.engine.Close())
		}
		if p.ctl != nil {
			errs = append(errs, p.ctl.Close())
		}
		if p.bridge != nil {
			errs = append(errs, p.bridge.Close())
		}
		if p.bus != nil {
			errs = append(errs, p.bus.Close())
		}
		if p.sessions != nil {
			errs = append(errs, p.sessions.Close())
		}
		if p.listener != nil {
			// Serve's shutdown path closes the listener already; a
			// second close only matters for a process that never
			// served.
			p.listener.Close()
		}
		if p.backend != nil {
			errs = append(errs, p.backend.Close())
		}
	})
	return trace.NewAggregate(errs...)
}
