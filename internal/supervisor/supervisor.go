// Package supervisor builds the pipeline from configuration, wires each
// stage to its successor, and owns start/stop ordering.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldbridge/databridge/internal/catalog"
	"github.com/fieldbridge/databridge/internal/config"
	"github.com/fieldbridge/databridge/internal/deliverylog"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/internal/pipeline"
	mqtttransport "github.com/fieldbridge/databridge/internal/transport/mqtt"
	signalrtransport "github.com/fieldbridge/databridge/internal/transport/signalr"
	"github.com/fieldbridge/databridge/pkg/fn"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

const stageStopTimeout = 5 * time.Second

const (
	defaultIngestIdleTimeout = 60 * time.Second
	defaultEgressIdleTimeout = 90 * time.Second
)

// sender is the minimal contract both egress dialects satisfy.
type sender interface {
	Start(context.Context) error
	Send(context.Context, *events.ResolvedEvent)
	Stop(context.Context) error
}

// receiver is the minimal contract both ingest dialects satisfy.
type receiver interface {
	Start(context.Context)
	Stop(context.Context) error
}

// Supervisor owns the catalogs, pipeline stages, and transport clients for
// the lifetime of one process.
type Supervisor struct {
	cfg     *config.Config
	metrics *metrics.Registry
	log     *slog.Logger

	mapping *catalog.MappingCatalog
	devices *catalog.DeviceCatalog

	deliveryLog *deliverylog.Log
	egress      sender
	resolver    *pipeline.Resolver
	mapper      *pipeline.Mapper
	ingest      receiver

	// mapResolve composes the Mapper and Resolver stages with an OTel span
	// per frame.
	mapResolve fn.Stage[events.IngressEvent, *events.ResolvedEvent]
}

// Build loads configuration and both catalogs and wires every stage.
// Returns the typed sentinel errors from internal/config and
// internal/catalog unchanged so the caller can map them to exit codes.
func Build(cfgPath string, reg *metrics.Registry, log *slog.Logger) (*Supervisor, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	mapping, err := catalog.LoadMappingCatalog(cfg.MappingCatalogPath)
	if err != nil {
		return nil, err
	}
	devices, err := catalog.LoadDeviceCatalog(cfg.DeviceCatalogPath)
	if err != nil {
		return nil, err
	}
	if err := catalog.CrossValidate(mapping, devices); err != nil {
		return nil, err
	}

	deliveryLog, err := deliverylog.Open(cfg.Logging.File, cfg.Logging.MaxSize, cfg.Logging.BackupCount, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
	}

	egress, err := buildEgress(cfg.Transports, deliveryLog, reg, log)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:         cfg,
		metrics:     reg,
		log:         log,
		mapping:     mapping,
		devices:     devices,
		deliveryLog: deliveryLog,
		egress:      egress,
		resolver:    pipeline.NewResolver(devices, reg, log),
		mapper:      pipeline.NewMapper(mapping, reg, log),
	}
	s.mapResolve = fn.TracedStage("pipeline.map_resolve", fn.Then(s.mapper.Stage(), s.resolver.Stage()))

	ingest, err := buildIngest(cfg.Input, reg, log, s.handleFrame)
	if err != nil {
		return nil, err
	}
	s.ingest = ingest

	return s, nil
}

func buildEgress(cfg config.EndpointConfig, logSink interface {
	Record(events.DeliveryRecord)
}, reg *metrics.Registry, log *slog.Logger) (sender, error) {
	switch cfg.Type {
	case config.TransportMQTT:
		return mqtttransport.NewEgress(*cfg.MQTT, defaultEgressIdleTimeout, logSink, reg, log), nil
	case config.TransportSignalR:
		return signalrtransport.NewEgress(*cfg.SignalR, defaultEgressIdleTimeout, logSink, reg, log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported egress transport %q", config.ErrConfigInvalid, cfg.Type)
	}
}

func buildIngest(cfg config.EndpointConfig, reg *metrics.Registry, log *slog.Logger, handler func(context.Context, events.IngressEvent)) (receiver, error) {
	switch cfg.Type {
	case config.TransportMQTT:
		return mqtttransport.NewIngest(*cfg.MQTT, defaultIngestIdleTimeout, handler, reg, log), nil
	case config.TransportSignalR:
		return signalrtransport.NewIngest(*cfg.SignalR, defaultIngestIdleTimeout, handler, reg, log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported ingest transport %q", config.ErrConfigInvalid, cfg.Type)
	}
}

// handleFrame drives one frame through Mapper -> Resolver -> Egress,
// sequentially on the ingest client's pipeline context.
func (s *Supervisor) handleFrame(ctx context.Context, in events.IngressEvent) {
	start := time.Now()
	resolved, _ := s.mapResolve(ctx, in).Unwrap()
	s.metrics.StageDuration.WithLabelValues("map_resolve").Observe(time.Since(start).Seconds())
	if resolved == nil {
		return
	}
	s.egress.Send(ctx, resolved)
}

// Run starts every stage in reverse-dataflow order and blocks until ctx is
// cancelled, then stops every stage in forward-dataflow order.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.egress.Start(ctx); err != nil {
		return fmt.Errorf("starting egress client: %w", err)
	}
	s.ingest.Start(ctx)

	<-ctx.Done()

	s.stopStage("ingest", func(c context.Context) error { return s.ingest.Stop(c) })
	s.stopStage("egress", func(c context.Context) error { return s.egress.Stop(c) })
	s.stopStage("delivery_log", func(c context.Context) error { return s.deliveryLog.Close(c) })
	return nil
}

func (s *Supervisor) stopStage(name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), stageStopTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		s.log.Warn("stage did not stop cleanly within the bound", "stage", name, "error", err)
	}
}
