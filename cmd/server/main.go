// Command server runs the control-plane HTTP API.
//
// DATABASE_URL selects the backing store: a postgres:// URL opens lib/pq, any
// other non-empty value opens sqlite, and an empty value keeps everything in
// memory (dev only; state is lost on restart).
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/api"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/approval"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/auth"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/config"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/decision"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/flags"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/incident"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ingest"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/jobs"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/lifecycle"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/meta"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/notify"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/planner"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/qa"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/sqlstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/report"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/stats"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, closeDB, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	clock := ulid.WallClock{}
	ids := ulid.NewFactory()
	rec := audit.NewRecorder(stores.Audit, ids, clock)

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	signer, err := auth.NewSigner([]byte(cfg.JWTSecret), cfg.TokenTTL, clock)
	if err != nil {
		return err
	}

	vault, err := openVault(cfg.TokenVaultKey, log)
	if err != nil {
		return err
	}
	oauth := meta.NewOAuth(cfg.MetaClientID,
		meta.NewGraphExchanger(cfg.MetaClientID, cfg.MetaClientSecret), vault, stores.Connections, ids, clock)

	blobs, err := openBlobs(ctx, cfg, log)
	if err != nil {
		return err
	}
	dedup := openDedup(cfg, log)

	notifier := notify.New(log, notify.LogSink{Log: log})
	combiner := insights.NewCombiner(stores.Bundles, stores.Insights, stores.Events)
	queue := jobs.NewQueue(stores.Jobs, ids, clock, log)

	srv := api.NewServer(api.Deps{
		Stores:     stores,
		Signer:     signer,
		Lifecycle:  lifecycle.NewManager(stores.Runs, rec, clock, log),
		Approvals:  approval.NewService(stores, rec, ids, clock, log),
		Publisher:  publish.NewPublisher(stores, blobs, rec, ids, clock, log),
		Decisions:  decision.NewService(stores, combiner, stats.NewKernel(), rec, ids, clock, log),
		Incidents:  incident.NewManager(stores, notifier, rec, ids, clock, log),
		Planner:    planner.NewPlanner(stores, rec, ids, clock, log),
		Reports:    report.NewBuilder(stores, combiner, blobs, ids, clock, log),
		Ingestor:   ingest.NewIngestor(stores.Runs, stores.LpVariants, stores.Events, dedup, ids, clock, log),
		Importer:   insights.NewImporter(stores.Bundles, stores.Insights, stores.Imports, blobs, ids, clock, log),
		Combiner:   combiner,
		Queue:      queue,
		Flags:      flags.NewService(stores, rec, clock, log),
		OAuth:      oauth,
		Smoke:      qa.NewSmokeTester(stores.Bundles),
		Audit:      rec,
		Blobs:      blobs,
		IDs:        ids,
		Clock:      clock,
		Log:        log,
		EventRPS:   cfg.PublicEventRPS,
		EventBurst: cfg.PublicEventBurst,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}

// openStores picks the persistence backend from the database URLs. With a
// secondary URL set, a per-tenant router splits stores by the db_backend
// flag.
func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*repo.Stores, func(), error) {
	primary, closePrimary, err := openStore(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.SecondaryDatabaseURL == "" {
		return primary, closePrimary, nil
	}
	secondary, closeSecondary, err := openStore(ctx, cfg.SecondaryDatabaseURL, log)
	if err != nil {
		closePrimary()
		return nil, nil, err
	}
	log.Info("per-tenant backend routing enabled")
	return repo.NewRouter(primary, secondary), func() {
		closeSecondary()
		closePrimary()
	}, nil
}

func openStore(ctx context.Context, url string, log *slog.Logger) (*repo.Stores, func(), error) {
	if url == "" {
		log.Warn("no DATABASE_URL set, using in-memory store")
		return memory.New(), func() {}, nil
	}

	driver := "sqlite"
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if err := sqlstore.Init(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	log.Info("store ready", "driver", driver)
	return sqlstore.New(db), func() { _ = db.Close() }, nil
}

// openVault seals platform tokens. Without a configured key the vault gets an
// ephemeral one, so stored tokens become unreadable after a restart.
func openVault(key string, log *slog.Logger) (*meta.Vault, error) {
	if key == "" {
		log.Warn("TOKEN_VAULT_KEY not set, using an ephemeral vault key")
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		return meta.NewVault(buf)
	}
	return meta.NewVault([]byte(key))
}

func openBlobs(ctx context.Context, cfg *config.Config, log *slog.Logger) (objstore.Store, error) {
	if cfg.S3Bucket == "" {
		return objstore.NewMemory(), nil
	}
	log.Info("object store", "bucket", cfg.S3Bucket, "region", cfg.S3Region)
	return objstore.NewS3(ctx, objstore.S3Config{Bucket: cfg.S3Bucket, Region: cfg.S3Region})
}

func openDedup(cfg *config.Config, log *slog.Logger) ingest.DedupIndex {
	if cfg.RedisAddr == "" {
		return ingest.NoopDedup{}
	}
	log.Info("event dedup via redis", "addr", cfg.RedisAddr)
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return ingest.NewRedisDedup(client, "evt")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}
