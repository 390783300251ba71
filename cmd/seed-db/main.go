// Command seed-db applies migrations, loads a product and promotion catalog
// and opens a register session.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/oolio-pos/internal/seed"
	"github.com/xenking/oolio-pos/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		catalogFile string
		registerID  string
		openReg     bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "", "path to a catalog JSON file (default: embedded demo catalog)")
	flag.StringVar(&registerID, "register-id", "main", "register to open")
	flag.BoolVar(&openReg, "open-register", true, "open a register session after seeding")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, registerID, openReg); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, registerID string, openReg bool) error {
	catalog, err := loadCatalog(catalogFile)
	if err != nil {
		return errors.Wrap(err, "load catalog")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("upserting products", slog.Int("count", len(catalog.Products)))
	if err := postgres.NewInventoryRepository(pool).Upsert(ctx, catalog.Products...); err != nil {
		return errors.Wrap(err, "seed products")
	}

	slog.Info("upserting promotions", slog.Int("count", len(catalog.Promotions)))
	if err := postgres.NewPromotionRepository(pool).Upsert(ctx, catalog.Promotions...); err != nil {
		return errors.Wrap(err, "seed promotions")
	}
	for _, p := range catalog.Promotions {
		slog.Info("upserted promotion", slog.String("code", p.Code), slog.String("description", p.Description))
	}

	if !openReg {
		return nil
	}
	sessionID, err := postgres.NewRegisterRepository(pool, registerID).Open(ctx)
	switch {
	case errors.Is(err, postgres.ErrSessionAlreadyOpen):
		slog.Info("register already open", slog.String("register", registerID))
	case err != nil:
		return errors.Wrap(err, "open register")
	default:
		slog.Info("opened register", slog.String("register", registerID), slog.String("session", sessionID))
	}
	return nil
}

func loadCatalog(path string) (*seed.Catalog, error) {
	if path == "" {
		slog.Info("using embedded demo catalog")
		return seed.Default()
	}

	slog.Info("reading catalog file", slog.String("path", path))
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog file")
	}
	defer func() { _ = f.Close() }()
	return seed.Load(f)
}
