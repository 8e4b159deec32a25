package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"emodal_harvester/api"
	"emodal_harvester/artifacts"
	"emodal_harvester/config"
	"emodal_harvester/emodal"
	"emodal_harvester/httputil"
	"emodal_harvester/logging"
	"emodal_harvester/pipeline"
	"emodal_harvester/scheduler"
	"emodal_harvester/session"
	"emodal_harvester/storage"
	"emodal_harvester/workers"
)

var (
	runTenant = flag.Int64("run", 0, "Run one harvest for the given tenant id and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogPath)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting emodal_harvester...")
	log.Printf("Upstream: %s (timeout %s)", cfg.Upstream.BaseURL, cfg.Upstream.Timeout)
	log.Printf("Loaded %d platform configs", len(cfg.Platforms))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Printf("Store: %s", maskConnectionString(cfg.DatabaseURL))

	artifactStore := artifacts.NewStore(cfg.StorageRoot)
	log.Printf("Storage root: %s", cfg.StorageRoot)

	clients := httputil.NewClients(cfg.Upstream.Timeout)
	upstream := emodal.New(cfg.Upstream.BaseURL, clients)

	sessions := session.NewManager(store, artifactStore, upstream,
		cfg.Session.MaxRetries, cfg.Session.RetryDelay)
	executor := pipeline.New(ctx, store, artifactStore, sessions, upstream, cfg)

	// One-shot mode: run a single harvest synchronously.
	if *runTenant > 0 {
		tenant, err := store.GetTenant(ctx, *runTenant)
		if err != nil || tenant == nil {
			log.Fatalf("Tenant %d not found: %v", *runTenant, err)
		}
		query, err := executor.Launch(ctx, tenant)
		if err != nil {
			log.Fatalf("Launch failed: %v", err)
		}
		log.Printf("Launched %s, waiting...", query.QueryID)
		waitForQuery(ctx, store, query.QueryID)
		return
	}

	sched := scheduler.New(store, executor)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	if cfg.Archive.Bucket != "" {
		uploader, err := storage.NewS3Uploader(ctx, storage.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			log.Fatalf("Failed to init archive uploader: %v", err)
		}
		archiveWorker := workers.NewArchiveWorker(store, artifactStore, uploader)
		go archiveWorker.Run(ctx, 10, 15*time.Minute)
		log.Printf("Archive worker started (bucket %s)", cfg.Archive.Bucket)
	}

	router := api.NewRouter(store, artifactStore, executor, sched, cfg.AdminSecret)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.Setup(),
	}

	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	cancel()
	log.Println("Goodbye!")
}

func openStore(ctx context.Context, dsn string) (storage.Store, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return storage.NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return storage.NewPostgresStore(ctx, dsn)
	default:
		return storage.NewSQLiteStore(dsn)
	}
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}

func waitForQuery(ctx context.Context, store storage.Store, queryID string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			query, err := store.GetQuery(ctx, queryID)
			if err != nil || query == nil {
				log.Printf("Poll failed: %v", err)
				continue
			}
			switch query.Status {
			case "completed":
				log.Printf("Query %s completed", queryID)
				return
			case "failed":
				msg := ""
				if query.ErrorMessage != nil {
					msg = *query.ErrorMessage
				}
				log.Printf("Query %s failed: %s", queryID, msg)
				return
			}
		}
	}
}
