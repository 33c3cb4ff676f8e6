// Command worker polls the job queue and ticks the scheduler: stop-rule
// evaluation, insight syncs, report builds, QA smoke tests, publishes and CSV
// parsing all run here, never in the API process.
//
// Cadences come from an optional YAML profile (WORKER_PROFILE); the store
// selection mirrors the server binary.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/audit"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/config"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/incident"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/insights"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/jobs"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/meta"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/notify"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/objstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/publish"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/qa"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/memory"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo/sqlstore"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/report"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/worker"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}

	stores, closeDB, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	clock := ulid.WallClock{}
	ids := ulid.NewFactory()
	rec := audit.NewRecorder(stores.Audit, ids, clock)

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

	sinks := []notify.Sink{notify.LogSink{Log: log}}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sinks = append(sinks, notify.NewRedisSink(client, "notifications"))
	}
	notifier := notify.New(log, sinks...)

	combiner := insights.NewCombiner(stores.Bundles, stores.Insights, stores.Events)
	queue := jobs.NewQueue(stores.Jobs, ids, clock, log)

	w := worker.New(worker.Deps{
		Stores:    stores,
		Queue:     queue,
		Combiner:  combiner,
		Incidents: incident.NewManager(stores, notifier, rec, ids, clock, log),
		Notifier:  notifier,
		Reports:   report.NewBuilder(stores, combiner, blobs, ids, clock, log),
		Smoke:     qa.NewSmokeTester(stores.Bundles),
		Publisher: publish.NewPublisher(stores, blobs, rec, ids, clock, log),
		Importer:  insights.NewImporter(stores.Bundles, stores.Insights, stores.Imports, blobs, ids, clock, log),
		Adapter:   meta.NewAdapter(oauth, vault),
		OAuth:     oauth,
		Sink:      insights.NewMetaSink(stores.Bundles, stores.Insights, clock, log),
		Blobs:     blobs,
		Clock:     clock,
		Log:       log,
	})

	sched := jobs.NewScheduler(stores, queue, clock, log, profile.MetaSyncInterval())

	log.Info("worker starting",
		"poll", profile.PollInterval(), "meta_sync", profile.MetaSyncInterval())
	return w.Run(ctx, sched, profile.PollInterval(), maxJobs(profile))
}

func maxJobs(p *config.WorkerProfile) int {
	if p == nil {
		return 0
	}
	return p.MaxJobsPerTick
}

// openStores mirrors the server binary, including the per-tenant router when
// SECONDARY_DATABASE_URL is set; schedulers see runs and jobs on both
// backends.
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

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}
