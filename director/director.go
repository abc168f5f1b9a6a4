// ABOUTME: Director assembly: store, connectors, infra, compiler, processor, and both HTTP surfaces.
// ABOUTME: One Run call owns everything; cancelling the context drains the loops and the listeners.
package director

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/2389-research/unicorn/compiler"
	"github.com/2389-research/unicorn/connectors"
	"github.com/2389-research/unicorn/gateway"
	"github.com/2389-research/unicorn/infra"
	"github.com/2389-research/unicorn/mediator"
	"github.com/2389-research/unicorn/processor"
	"github.com/2389-research/unicorn/store"
)

const shutdownGrace = 10 * time.Second

// Director owns every service of one deployment.
type Director struct {
	cfg       Config
	store     *store.Store
	registry  *connectors.Registry
	infra     *infra.Service
	compiler  *compiler.Service
	processor *processor.Processor
	mediator  *mediator.Server
	gateway   *gateway.Server
}

// New opens the store, initializes connectors, seeds users, and wires
// all services. The caller runs it with Run and releases it with Close.
func New(ctx context.Context, cfg Config) (*Director, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	for _, u := range cfg.Users {
		if err := st.UpsertUser(ctx, u.Username, store.HashPassword(u.Password), u.Sudo, u.AccessTags); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("seed user %q: %w", u.Username, err)
		}
	}

	registry, err := connectors.NewRegistry(ctx, cfg.Connectors)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("initialize connectors: %w", err)
	}

	inf := infra.New(st, registry, infra.Options{})

	d := &Director{
		cfg:      cfg,
		store:    st,
		registry: registry,
		infra:    inf,
		compiler: compiler.New(st, &compiler.DockerBuilder{Push: cfg.Compiler.Push}, compiler.Options{
			Registry:       cfg.Compiler.Registry,
			ExecutorBinary: cfg.Compiler.ExecutorBinary,
			MaxConcurrent:  cfg.Compiler.MaxConcurrent,
			PollInterval:   cfg.Compiler.PollInterval(),
			WorkDir:        cfg.Compiler.WorkDir,
		}),
		processor: processor.New(st, inf, processor.Options{
			TickInterval:      cfg.Processor.TickInterval(),
			HeartbeatInterval: cfg.Processor.HeartbeatInterval(),
			StartWaitTimeout:  cfg.Processor.StartWaitTimeout(),
		}),
		mediator: mediator.NewServer(st, inf),
		gateway:  gateway.NewServer(st),
	}
	return d, nil
}

// Run serves both listeners and runs the compiler and processor loops
// until the context is cancelled or a listener fails.
func (d *Director) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		d.compiler.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		d.processor.Run(ctx)
	}()

	mediatorSrv := &http.Server{Addr: d.cfg.MediatorListen, Handler: d.mediator}
	gatewaySrv := &http.Server{Addr: d.cfg.GatewayListen, Handler: d.gateway}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Printf("component=director action=listen surface=%s addr=%s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
			return
		}
		errCh <- nil
	}
	go serve("mediator", mediatorSrv)
	go serve("gateway", gatewaySrv)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := mediatorSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("component=director action=shutdown_failed surface=mediator err=%v", err)
	}
	if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("component=director action=shutdown_failed surface=gateway err=%v", err)
	}

	loops.Wait()
	log.Printf("component=director action=stopped")
	return runErr
}

// Close shuts down connectors and the store. Call after Run returns.
func (d *Director) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	d.registry.Shutdown(ctx)
	return d.store.Close()
}
