package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/linker/internal/blocker"
	"github.com/dyluth/linker/internal/clusterer"
	"github.com/dyluth/linker/internal/clusterstore"
	"github.com/dyluth/linker/internal/config"
	"github.com/dyluth/linker/internal/enqueuer"
	"github.com/dyluth/linker/internal/ids"
	"github.com/dyluth/linker/internal/matcher"
	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Daemon is every long-running part of one linker process, wired from config.
type Daemon struct {
	Allocator *ids.Allocator
	Enqueuer  *enqueuer.Enqueuer
	Engine    *Engine
	Linker    *Linker

	logger logrus.FieldLogger
}

// LoadModel returns the scoring model named by the matcher section, or the
// built-in weights when none is configured.
func LoadModel(cfg *config.MatcherConfig) (matcher.Model, error) {
	if cfg.ModelPath == "" {
		return matcher.DefaultModel(), nil
	}
	return matcher.LoadModel(cfg.ModelPath)
}

// NewDaemon builds the linking pipeline from a validated configuration.
func NewDaemon(client *blackboard.Client, cfg *config.LinkerConfig, logger logrus.FieldLogger, m *metrics.Metrics) (*Daemon, error) {
	model, err := LoadModel(cfg.Matcher)
	if err != nil {
		return nil, fmt.Errorf("failed to load matching model: %w", err)
	}

	match := matcher.New(model, matcher.NewExtractor(cfg.Matcher.Attributes), *cfg.Linking.AcceptanceThreshold, logger, m)
	allocator := ids.NewAllocator(client, ids.OptionsFromConfig(cfg.IDs, cfg.Locks), logger, m)

	linker := NewLinker(LinkerDeps{
		Client:    client,
		Blocker:   blocker.NewIndexBlocker(client, cfg.Linking.BlockingAttributes, cfg.Linking.BlockSize, logger),
		Matcher:   match,
		Clusterer: clusterer.New(match, client),
		Store:     clusterstore.New(client, clusterstore.OptionsFromConfig(cfg.Locks), logger, m),
		IDs:       allocator,
	}, *cfg.Linking.MinimumScore, logger, m)

	enq := enqueuer.New(client, enqueuer.Options{
		Interval:  cfg.Linking.EnqueueInterval,
		LoadSize:  cfg.Linking.LoadSize,
		Whitelist: cfg.Linking.Whitelist,
	}, logger, m)

	return &Daemon{
		Allocator: allocator,
		Enqueuer:  enq,
		Engine:    NewEngine(client, linker, OptionsFromConfig(cfg.Linking), logger, m),
		Linker:    linker,
		logger:    logger.WithField("component", "daemon"),
	}, nil
}

// Run runs the allocator refill loop, the enqueuer and the orchestrator until
// ctx is cancelled or one of them fails, then waits for all three to stop.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for name, run := range map[string]func(context.Context) error{
		"ids":          d.Allocator.Run,
		"enqueuer":     d.Enqueuer.Run,
		"orchestrator": d.Engine.Run,
	} {
		g.Go(func() error {
			if err := run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s stopped: %w", name, err)
			}
			return nil
		})
	}

	err := g.Wait()
	d.Allocator.WaitReturns()
	d.logger.Info("Linker stopped")
	return err
}
