// Package app assembles a running intake runtime from a workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/KayMas2808/RuralLend/internal/clock"
	"github.com/KayMas2808/RuralLend/internal/config"
	"github.com/KayMas2808/RuralLend/internal/db"
	"github.com/KayMas2808/RuralLend/internal/engine"
	"github.com/KayMas2808/RuralLend/internal/loans"
	"github.com/KayMas2808/RuralLend/internal/logger"
	"github.com/KayMas2808/RuralLend/internal/migrate"
	"github.com/KayMas2808/RuralLend/internal/queue"
	"github.com/KayMas2808/RuralLend/internal/services"
	"github.com/KayMas2808/RuralLend/internal/services/sim"
)

type Options struct {
	Workspace string
	// Config overrides the workspace rurallend.yml when set.
	Config *config.Config
	Clock  clock.Clock
	Logger logger.Logger
	// Services replaces the simulated services when any field is set.
	Services services.Set
}

// Runtime is an opened workspace with its flow loop running.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Log    logger.Logger
	Sim    *sim.Services
	Queue  *queue.Queue
	Loans  *loans.Service
	Engine *engine.Engine

	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// Start opens the workspace database, applies migrations, restores the flow
// and starts its loop. The device is reported online once the loop runs.
func Start(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)
	}
	clk := clock.Or(opts.Clock)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := sim.New(cfg, clk)
	set := fill(opts.Services, s.Set())
	q, err := queue.Open(ctx, queue.Options{
		DB:       conn,
		Uploader: set.Uploader,
		Clock:    clk,
		Logger:   log,
		Policy: services.RetryPolicy{
			MaxRetries: cfg.Uploads.MaxRetries,
			BaseDelay:  cfg.Uploads.BaseDelay,
			MaxDelay:   cfg.Uploads.MaxDelay,
		},
		CallTimeout: cfg.Services.CallTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open upload queue: %w", err)
	}
	ls := loans.New(conn, clk, log)
	eng, err := engine.Open(ctx, engine.Options{
		DB: conn, Config: cfg, Services: set, Queue: q, Loans: ls, Clock: clk, Logger: log,
		Observers: []func(services.Connectivity){s.Network.SetConnectivity},
	})
	if err != nil {
		q.Close()
		conn.Close()
		return nil, fmt.Errorf("open flow: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &Runtime{
		DB: conn, Config: cfg, Log: log, Sim: s, Queue: q, Loans: ls, Engine: eng,
		cancel: cancel, stopped: make(chan struct{}),
	}
	go func() {
		defer close(rt.stopped)
		if err := eng.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("flow loop stopped", nil)
		}
	}()
	if _, err := eng.SetConnectivity(ctx, services.Connectivity{Online: true, Trusted: true}); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// fill keeps the simulated implementation for any service left unset.
func fill(override, base services.Set) services.Set {
	if override.Capturer != nil {
		base.Capturer = override.Capturer
	}
	if override.Speech != nil {
		base.Speech = override.Speech
	}
	if override.Underwriter != nil {
		base.Underwriter = override.Underwriter
	}
	if override.Verifier != nil {
		base.Verifier = override.Verifier
	}
	if override.Uploader != nil {
		base.Uploader = override.Uploader
	}
	return base
}

// Close stops the flow loop, the drain worker and the database.
func (rt *Runtime) Close() error {
	var err error
	rt.once.Do(func() {
		rt.cancel()
		<-rt.stopped
		rt.Queue.Close()
		err = rt.DB.Close()
	})
	return err
}
