package main

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/philpearl/bulkload/config"
	"github.com/philpearl/bulkload/datastore"
	"github.com/philpearl/bulkload/loader"
	"github.com/philpearl/bulkload/objectstore"
	"go.opentelemetry.io/otel/metric"
)

// service owns the stores and the set of loaders built from the
// configuration.
type service struct {
	cfg   *config.Config
	log   *slog.Logger
	meter metric.Meter

	// ctx outlives every connection so flushes started during shutdown
	// can finish.
	ctx context.Context

	datastore   datastore.Store
	objectStore objectstore.Store
	sink        loader.Sink
	spiller     *loader.DiskSpiller
	monitor     *loader.Monitor
	set         *loader.Set

	mu       sync.Mutex
	policies []*loader.RetryPolicy
	watches  []func()
}

func newService(ctx context.Context, cfg *config.Config, log *slog.Logger, meter metric.Meter) (*service, error) {
	s := &service{
		cfg:   cfg,
		log:   log,
		meter: meter,
		ctx:   context.WithoutCancel(ctx),
	}

	ds, err := datastore.Open(ctx, cfg.Datastore, log)
	if err != nil {
		return nil, fmt.Errorf("opening datastore: %w", err)
	}
	s.datastore = ds

	if err := s.buildSink(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	if cfg.Spill.Dir != "" {
		if s.spiller, err = loader.NewDiskSpiller(cfg.Spill.Dir, log); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("creating spiller: %w", err)
		}
	}

	if cfg.Monitor.Enabled {
		if s.monitor, err = loader.NewMonitor(cfg.MonitorConfig(), log, meter); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("creating monitor: %w", err)
		}
	}

	s.set = loader.NewSet(s.build)
	return s, nil
}

func (s *service) buildSink(ctx context.Context) error {
	sc := s.cfg.Sink
	switch sc.Type {
	case config.SinkInsert:
		quoting, err := config.ParseQuoting(sc.Quoting)
		if err != nil {
			return err
		}
		s.sink = &loader.InsertSink{
			Datastore:      s.datastore,
			Quoting:        quoting,
			ArrayDelimiter: sc.ArrayDelimiter,
		}
		return nil

	case config.SinkStaged:
		store, err := objectstore.Open(ctx, s.cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("opening object store: %w", err)
		}
		s.objectStore = store
		bucket := s.cfg.ObjectStore.Bucket
		if sc.KeyPrefix != "" {
			bucket = path.Join(bucket, sc.KeyPrefix)
		}
		sink, err := loader.NewStagedSink(loader.StagedSink{
			Store:          store,
			Datastore:      s.datastore,
			Bucket:         bucket,
			Scheme:         objectstore.Scheme(s.cfg.ObjectStore.Implementation),
			Credentials:    sc.Credentials,
			Delimiter:      byte(sc.Delimiter),
			ArrayDelimiter: sc.ArrayDelimiter,
			Extension:      sc.Extension,
			Cleanup:        sc.Cleanup,
		})
		if err != nil {
			return fmt.Errorf("creating staged sink: %w", err)
		}
		s.sink = sink
		return nil
	}
	return fmt.Errorf("unknown sink type %q", sc.Type)
}

// build is the loader.Builder for the service's set. ctx belongs to the
// caller, usually a connection, so it is only used for replaying spilled
// batches. The loader itself lives as long as the service.
func (s *service) build(ctx context.Context, table string, fields []string) (*loader.Loader, error) {
	l, err := loader.New(s.ctx, s.cfg.LoaderConfig(table, fields), s.sink, s.log, s.meter)
	if err != nil {
		return nil, err
	}

	if s.cfg.Retry.Enabled {
		rc, err := s.cfg.RetryConfig()
		if err != nil {
			l.Close()
			return nil, err
		}
		if s.spiller != nil {
			rc.Spill = s.spiller
		}
		p, err := loader.Attach(l, rc, s.log)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("attaching retry policy: %w", err)
		}
		s.mu.Lock()
		s.policies = append(s.policies, p)
		s.mu.Unlock()
	}

	if s.monitor != nil {
		stop := s.monitor.Watch(l)
		s.mu.Lock()
		s.watches = append(s.watches, stop)
		s.mu.Unlock()
	}

	if s.spiller != nil && s.cfg.Spill.Replay {
		n, err := s.spiller.Replay(ctx, l)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, "replaying spilled batches", slog.String("table", table), slog.Any("error", err))
		}
		if n > 0 {
			s.log.LogAttrs(ctx, slog.LevelInfo, "replayed spilled batches", slog.String("table", table), slog.Int("batches", n))
		}
	}

	return l, nil
}

// shutdown flushes every loader, waits for the flushes, spills any batch still
// waiting for a retry and closes the stores.
func (s *service) shutdown() error {
	s.set.Close()
	s.set.Wait()

	s.mu.Lock()
	policies, watches := s.policies, s.watches
	s.policies, s.watches = nil, nil
	s.mu.Unlock()

	for _, p := range policies {
		p.Detach()
	}
	// A retry may have fired while detaching.
	s.set.Wait()
	for _, stop := range watches {
		stop()
	}
	return s.closeStores()
}

func (s *service) closeStores() error {
	var errs *multierror.Error
	if s.objectStore != nil {
		if err := s.objectStore.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing object store: %w", err))
		}
	}
	if s.datastore != nil {
		if err := s.datastore.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing datastore: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
