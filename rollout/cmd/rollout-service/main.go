package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/OptiInfra/Platform/rollout/internal/analysis"
	"github.com/OptiInfra/Platform/rollout/internal/auth"
	"github.com/OptiInfra/Platform/rollout/internal/config"
	"github.com/OptiInfra/Platform/rollout/internal/events"
	"github.com/OptiInfra/Platform/rollout/internal/httpserver"
	"github.com/OptiInfra/Platform/rollout/internal/migrate"
	"github.com/OptiInfra/Platform/rollout/internal/policy"
	"github.com/OptiInfra/Platform/rollout/internal/probe"
	"github.com/OptiInfra/Platform/rollout/internal/review"
	"github.com/OptiInfra/Platform/rollout/internal/service"
	"github.com/OptiInfra/Platform/rollout/internal/store"
)

func main() {
	devFlag := flag.Bool("dev", false, "run with in-memory storage and static collaborators")
	flag.Parse()

	if *devFlag {
		os.Setenv("ROLLOUT_DEV_MODE", "true")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	pol := policy.Default()
	if cfg.PolicyFile != "" {
		pol, err = policy.Load(cfg.PolicyFile)
		if err != nil {
			log.Fatalf("policy load: %v", err)
		}
		log.Printf("[startup] policy loaded from %s", cfg.PolicyFile)
	}

	st, dbClose, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer dbClose()

	analyzer, sampler, executor := buildCollaborators(cfg)
	reviewers, err := buildReviewers(cfg, pol)
	if err != nil {
		log.Fatalf("reviewer init: %v", err)
	}

	sink, err := buildSink(cfg)
	if err != nil {
		log.Fatalf("event sink init: %v", err)
	}
	publisher := events.NewPublisher(sink, 256)
	defer publisher.Close()

	archiver, err := buildArchiver(cfg)
	if err != nil {
		log.Fatalf("archiver init: %v", err)
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Mode:          auth.Mode(cfg.AuthMode),
		StaticToken:   cfg.AuthToken,
		HMACSecret:    cfg.AuthHMACSecret,
		PublicKeyFile: cfg.AuthPublicKeyFile,
		RequiredScope: cfg.AuthScope,
		Issuer:        cfg.AuthIssuer,
	})
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	svc := service.New(service.Params{
		Store:        st,
		Analysis:     analyzer,
		Sampler:      sampler,
		Executor:     executor,
		Reviewers:    reviewers,
		Policy:       pol,
		Events:       publisher,
		Archiver:     archiver,
		PhaseWorkers: cfg.PhaseWorkers,
		PhaseTimeout: cfg.PhaseTimeout,
	})
	server := httpserver.New(svc, verifier)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.RunWorker(ctx, cfg.PollInterval)

	go func() {
		log.Printf("rollout service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.DevMode && cfg.DatabaseURL == "" {
		log.Printf("[startup] dev mode: using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	pg, err := store.NewPGStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, func() { db.Close() }, nil
}

// buildCollaborators wires the three execution-side endpoints, falling back
// to static stand-ins where an endpoint is not configured. Outside dev mode
// config.Load has already required all three URLs.
func buildCollaborators(cfg config.Config) (analysis.Client, probe.Sampler, migrate.Executor) {
	var analyzer analysis.Client = &analysis.StaticClient{}
	if cfg.AnalysisURL != "" {
		client, err := analysis.NewHTTPClient(analysis.HTTPClientConfig{
			BaseURL: cfg.AnalysisURL,
			Timeout: cfg.CollaboratorTimeout,
		})
		if err != nil {
			log.Fatalf("analysis client init: %v", err)
		}
		analyzer = client
	}

	var sampler probe.Sampler = probe.NewStaticSampler(probe.Reading{LatencyMS: 100, ErrorRate: 0.5})
	if cfg.ProbeURL != "" {
		client, err := probe.NewHTTPSampler(probe.HTTPSamplerConfig{
			BaseURL: cfg.ProbeURL,
			Timeout: cfg.CollaboratorTimeout,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("probe sampler init: %v", err)
		}
		sampler = client
	}

	var executor migrate.Executor = &migrate.StaticExecutor{}
	if cfg.MigrateURL != "" {
		client, err := migrate.NewHTTPExecutor(migrate.HTTPExecutorConfig{
			BaseURL: cfg.MigrateURL,
			Timeout: cfg.PhaseTimeout,
		})
		if err != nil {
			log.Fatalf("migrate executor init: %v", err)
		}
		executor = client
	}

	return analyzer, sampler, executor
}

func buildReviewers(cfg config.Config, pol policy.Policy) ([]review.Client, error) {
	if len(pol.Reviewers) == 0 {
		log.Printf("[startup] no reviewers configured, using static reviewer")
		return []review.Client{&review.StaticReviewer{ID: "auto-review"}}, nil
	}
	reviewers := make([]review.Client, 0, len(pol.Reviewers))
	for _, rv := range pol.Reviewers {
		client, err := review.NewHTTPReviewer(review.HTTPReviewerConfig{
			Name:    rv.Name,
			BaseURL: rv.URL,
			Timeout: cfg.CollaboratorTimeout,
			Retries: 2,
		})
		if err != nil {
			return nil, err
		}
		reviewers = append(reviewers, client)
	}
	return reviewers, nil
}

func buildSink(cfg config.Config) (events.Sink, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NoopSink{}, nil
	}
	return events.NewKafkaSink(events.KafkaSinkConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
}

func buildArchiver(cfg config.Config) (service.Archiver, error) {
	if cfg.ArchiveBucket == "" {
		return events.NoopArchiver{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return events.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
