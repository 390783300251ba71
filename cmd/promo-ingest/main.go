// Command promo-ingest loads promotion definitions from gzip-compressed CSV
// feeds into PostgreSQL. A code published by more than one feed is ambiguous
// and skipped.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/oolio-pos/internal/cache"
	"github.com/xenking/oolio-pos/internal/domain/promotion"
	"github.com/xenking/oolio-pos/internal/storage/postgres"
)

const batchSize = 500

func main() {
	var (
		pattern     string
		databaseURL string
		redisURL    string
		dryRun      bool
	)

	flag.StringVar(&pattern, "feeds", "data/promotions*.csv.gz", "glob matching the gzip CSV promotion feeds")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&redisURL, "redis-url", "", "Redis URL of the promotion cache to invalidate (or REDIS_URL env)")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and report without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if redisURL == "" {
		redisURL = os.Getenv("REDIS_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, databaseURL, redisURL, dryRun); err != nil {
		slog.Error("promotion ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("promotion ingest completed successfully")
}

func run(ctx context.Context, pattern, databaseURL, redisURL string, dryRun bool) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "match feeds")
	}
	if len(files) == 0 {
		return errors.Errorf("no feeds match %q", pattern)
	}
	slices.Sort(files)
	slog.Info("ingesting feeds", slog.Int("files", len(files)))

	defs, shared, err := ingest(ctx, files)
	if err != nil {
		return err
	}
	for _, code := range shared {
		slog.Warn("skipping code published by several feeds", slog.String("code", code))
	}
	slog.Info("promotions parsed", slog.Int("unique", len(defs)), slog.Int("shared", len(shared)))

	if dryRun || len(defs) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewPromotionRepository(pool)

	var inv invalidator
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return errors.Wrap(err, "parse redis url")
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		inv = cache.NewPromotionCache(client, repo, cache.PromotionOptions{})
	}

	return write(ctx, repo, inv, defs)
}

type upserter interface {
	Upsert(ctx context.Context, defs ...promotion.Definition) error
}

type invalidator interface {
	Invalidate(ctx context.Context, codes ...string) error
}

// write upserts defs in batches. Cached copies of each batch are dropped
// once it is stored; a cache failure only logs, the entries expire anyway.
func write(ctx context.Context, repo upserter, inv invalidator, defs []promotion.Definition) error {
	for start := 0; start < len(defs); start += batchSize {
		end := min(start+batchSize, len(defs))
		batch := defs[start:end]
		if err := repo.Upsert(ctx, batch...); err != nil {
			return errors.Wrapf(err, "upsert promotions %d-%d", start, end)
		}
		if inv != nil {
			codes := make([]string, len(batch))
			for i, d := range batch {
				codes[i] = d.Code
			}
			if err := inv.Invalidate(ctx, codes...); err != nil {
				slog.Warn("cache invalidation failed", slog.String("error", err.Error()))
			}
		}
		slog.Info("write progress", slog.Int("written", end), slog.Int("total", len(defs)))
	}
	return nil
}
