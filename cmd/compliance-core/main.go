package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/regulens/compliance-core/internal/apm"
	"github.com/regulens/compliance-core/internal/cache/rediscache"
	"github.com/regulens/compliance-core/internal/config"
	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/dr"
	"github.com/regulens/compliance-core/internal/embeddings"
	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/eventsink"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/obs/metrics"
	"github.com/regulens/compliance-core/internal/orchestrator"
	"github.com/regulens/compliance-core/internal/pipeline"
	"github.com/regulens/compliance-core/internal/poller"
	"github.com/regulens/compliance-core/internal/scheduler"
	"github.com/regulens/compliance-core/internal/similarity"
	"github.com/regulens/compliance-core/internal/store"
	"github.com/regulens/compliance-core/internal/store/memstore"
	"github.com/regulens/compliance-core/internal/store/pgstore"
	"github.com/regulens/compliance-core/internal/supervisor"
	"github.com/regulens/compliance-core/internal/workflow"
)

// pipelineGateway wires C1's "enqueue a pipeline job" step through C2's
// extract/index and on into C5's regulatory_change event (§4.1, §4.2, §4.5
// control-flow note: "C1 emits ingested documents -> C2 enriches and stores
// them -> C5 receives a regulatory_change event").
type pipelineGateway struct {
	st   store.Store
	pl   *pipeline.Pipeline
	orch *orchestrator.Orchestrator
	log  *logging.Logger
}

func (g *pipelineGateway) Enqueue(ctx context.Context, doc domain.RegulatoryDocument) error {
	result, err := g.pl.Process(ctx, []byte(doc.FullText), "")
	if err != nil {
		return err
	}
	if !result.Success {
		g.log.WithField("document_id", doc.ID).WithField("error", result.Error).Warn("pipeline extraction failed")
		return nil
	}

	doc.FullText = result.Text
	doc.Keywords = append(doc.Keywords, result.Metadata.References...)
	doc.ContentFingerprint = result.Fingerprint
	if err := g.st.Upsert(ctx, store.TableDocuments, doc.ID, doc); err != nil {
		return errs.Transient("persist enriched document", err)
	}
	if err := g.pl.Index(ctx, doc.ID, result); err != nil {
		return err
	}

	g.orch.HandleRegulatoryChange(ctx, doc)
	return nil
}

// emitterAdapter exposes Orchestrator.EmitEvent as poller.EventEmitter
// without the poller package importing orchestrator directly (§9).
type emitterAdapter struct {
	orch *orchestrator.Orchestrator
}

func (e *emitterAdapter) Emit(ctx context.Context, kind domain.TriggerKind, payload map[string]any, actor string) ([]string, error) {
	return e.orch.EmitEvent(ctx, kind, payload, actor)
}

// seedSources loads the active regulatory sources already in the store as
// the Poller's working set. It writes nothing to the store; on a query
// error it logs a warning and returns an empty set.
func seedSources(ctx context.Context, st store.Store, log *logging.Logger) []domain.RegulatorySource {
	var sources []domain.RegulatorySource
	if err := st.QueryByIndex(ctx, store.TableSources, "Active", true, &sources); err != nil {
		log.WithField("error", err.Error()).Warn("load regulatory sources, starting with none")
	}
	return sources
}

func objectivesFromConfig(cfg config.DRConfig) []domain.DRObjective {
	objectives := make([]domain.DRObjective, 0, len(cfg.Objectives))
	for _, o := range cfg.Objectives {
		objectives = append(objectives, domain.DRObjective{
			Component: o.Component,
			RTO:       time.Duration(o.RTOMinutes) * time.Minute,
			RPO:       time.Duration(o.RPOMinutes) * time.Minute,
			Priority:  o.Priority,
			Automated: o.Automated,
			Checks:    o.Checks,
			Status:    domain.DRHealthy,
		})
	}
	return objectives
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logging.New("compliance-core", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("compliance-core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := pgstore.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, time.Duration(cfg.Database.ConnMaxLifeSecs)*time.Second)
		if err != nil {
			log.WithField("error", err.Error()).Fatal("open postgres store")
		}
		st = pg
	} else {
		st = memstore.New()
		log.Info("no DATABASE_DSN configured, running against the in-memory store")
	}

	var rc *rediscache.Cache
	if cfg.Cache.RedisAddr != "" {
		candidate := rediscache.New(cfg.Cache.RedisAddr, "compliance-core")
		if err := candidate.Ping(ctx); err != nil {
			log.WithField("error", err.Error()).Warn("redis cache unreachable, falling back to the in-process cache")
		} else {
			log.Info("redis cache reachable, using it as the workflow definition cache")
			rc = candidate
		}
	}

	sink := eventsink.NewLoggingSink(log)
	emb := embeddings.NewHashProvider(256)
	idx := similarity.NewMemIndex()

	plCfg := pipeline.Config{
		MaxFileBytes:        cfg.Pipeline.MaxFileBytes,
		AllowedContentTypes: cfg.Pipeline.AllowedContentTypes,
	}
	pl := pipeline.New(plCfg, emb, idx, log, m)

	engine := workflow.New(st, sink, log, m, rc)
	assessor := orchestrator.NewImpactAssessor(st, emb, idx, m)
	orch := orchestrator.New(st, engine, assessor, sink, log, m)

	gateway := &pipelineGateway{st: st, pl: pl, orch: orch, log: log}
	emitter := &emitterAdapter{orch: orch}
	fetcher := poller.NewHTTPFetcher(time.Duration(cfg.Poller.HTTPTimeoutSeconds) * time.Second)

	pollerCfg := poller.Config{
		MaxConsecutiveFailures: cfg.Poller.MaxConsecutiveFailures,
		HighWaterMark:          cfg.Poller.HighWaterMark,
		LowWaterMark:           cfg.Poller.LowWaterMark,
	}
	p := poller.New(pollerCfg, st, fetcher, gateway, emitter, log, m)
	sources := seedSources(ctx, st, log)

	schedCfg := scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		TickInterval:   time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		DefaultTimeout: time.Duration(cfg.Scheduler.DefaultTimeoutSeconds) * time.Second,
	}
	sched := scheduler.New(schedCfg, st, sink, log, m)

	mon := apm.New(log, m)
	mon.OnRegression(func(ev domain.RegressionEvent) {
		_ = sink.Emit(ctx, eventsink.Event{
			Kind:     "apm_regression",
			Severity: eventsink.SeverityWarning,
			Subject:  ev.Service + "." + ev.Op,
			Body:     "performance regression detected",
			Tags:     map[string]string{"kind": string(ev.Kind)},
			DedupKey: "apm_regression:" + ev.Service + ":" + ev.Op + ":" + string(ev.Kind),
		})
	})
	sampler, err := apm.NewResourceSampler(mon, log, time.Duration(cfg.APM.ResourceSampleIntervalSeconds)*time.Second)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("create resource sampler")
	}

	prober := dr.NewSimulatedProber(nil)
	drSup := dr.New(st, prober, sink, log, m, objectivesFromConfig(cfg.DR), time.Duration(cfg.DR.BackupValidationIntervalMin)*time.Minute)

	// admin is the §6 operation surface; this binary has no CLI or RPC
	// front end wired to it yet (§1 non-goal), so it is constructed here
	// for an embedding caller (e.g. a future thin CLI) to reach through.
	admin := supervisor.NewAdminSurface(engine, orch, drSup, mon)
	_ = admin

	sup := supervisor.New(log)
	sup.Register("poller", supervisor.NewPollerService(sources, p))
	sup.Register("scheduler", supervisor.NewErrorlessService(sched))
	sup.Register("dr", drSup)
	sup.Register("apm_sampler", sampler)

	if err := sup.Start(ctx); err != nil {
		log.WithField("error", err.Error()).Fatal("start supervisor")
	}

	httpSrv := &http.Server{Addr: ":9090", Handler: promhttp.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Warn("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err := sup.Stop(); err != nil {
		log.WithField("error", err.Error()).Warn("supervisor shutdown reported errors")
	}
	if rc != nil {
		_ = rc.Close()
	}
}
