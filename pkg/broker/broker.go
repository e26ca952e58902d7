package broker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/api"
	"github.com/stokerhq/stoker/pkg/assets"
	"github.com/stokerhq/stoker/pkg/config"
	"github.com/stokerhq/stoker/pkg/hub"
	"github.com/stokerhq/stoker/pkg/kernel"
	"github.com/stokerhq/stoker/pkg/log"
	"github.com/stokerhq/stoker/pkg/sched"
	"github.com/stokerhq/stoker/pkg/storage"
	"github.com/stokerhq/stoker/pkg/types"
)

// Broker wires the store, kernel pool, scheduler, hub, and asset manager
// into one process and serves them over the client API.
type Broker struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      storage.Store
	hub        *hub.Hub
	supervisor *kernel.Supervisor
	scheduler  *sched.Scheduler
	assets     *assets.Manager
	fetcher    *assets.Fetcher
	server     *api.Server
}

// kernelPool adapts the supervisor to the scheduler's pool interface.
type kernelPool struct {
	sup *kernel.Supervisor
}

func (p *kernelPool) Ensure(ctx context.Context, notebookKey string, spec types.KernelSpec) (sched.Kernel, error) {
	return p.sup.Ensure(ctx, notebookKey, spec)
}

func (p *kernelPool) Interrupt(notebookKey string) error {
	return p.sup.Interrupt(notebookKey)
}

// New assembles a broker from configuration. The kernel launch hook attaches
// each fresh kernel's output stream to the scheduler before the kernel can
// receive work, so no frame is ever unrouteable.
func New(cfg *config.Config) (*Broker, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := &Broker{
		cfg:    cfg,
		logger: log.WithComponent("broker"),
		store:  store,
		hub:    hub.NewHub(cfg.BroadcastWait),
	}

	b.supervisor = kernel.NewSupervisor(cfg.MaxKernels, cfg.LivenessGrace, func(h *kernel.Handle) {
		b.scheduler.AttachKernel(h.NotebookKey, h.Output())
	})

	b.scheduler = sched.New(store, &kernelPool{sup: b.supervisor}, b.hub, sched.Options{
		QueueCap:    cfg.QueueCap,
		ExecTimeout: cfg.DefaultTimeout,
		RingSize:    cfg.OrphanRing,
		SpecFor: func(string) types.KernelSpec {
			return types.KernelSpec{Command: cfg.KernelCommand}
		},
	})

	b.assets = assets.NewManager(store, cfg.AssetsDir(), cfg.AssetMaxAge)
	b.fetcher = assets.NewFetcher(b.assets)
	b.server = api.NewServer(cfg.ListenAddr, cfg.SessionToken, b, b.hub, b.health)

	return b, nil
}

// Run replays the journal, starts the liveness watchdog, and serves the API
// until ctx is cancelled, then shuts everything down in dependency order.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.scheduler.Restore(); err != nil {
		return fmt.Errorf("restore journal: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	go b.supervisor.Watch(watchCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- b.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		stopWatch()
		return err
	case <-ctx.Done():
	}

	b.logger.Info().Msg("shutting down")
	stopWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownGrace)
	defer cancel()

	if err := b.server.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	b.scheduler.Shutdown()
	b.supervisor.ShutdownAll(shutdownCtx, b.cfg.ShutdownGrace)
	b.hub.Shutdown()

	if err := b.store.Close(); err != nil {
		b.logger.Error().Err(err).Msg("store close failed")
	}
	b.logger.Info().Msg("shutdown complete")
	return nil
}

// health backs /healthz with store stats.
func (b *Broker) health() interface{} {
	stats, err := b.store.Stats()
	if err != nil {
		return map[string]string{"error": err.Error()}
	}
	return stats
}

// CleanupCompleted deletes terminal execution rows older than age, returning
// how many were removed. Exposed for the CLI; the broker never schedules it
// on its own.
func (b *Broker) CleanupCompleted(age time.Duration) (int, error) {
	return b.store.CleanupCompleted(age)
}
