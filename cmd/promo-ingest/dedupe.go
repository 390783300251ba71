package main

import (
	"context"
	"log/slog"
	"math/bits"
	"slices"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oolio-pos/internal/domain/promotion"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
)

type feedResult struct {
	defs map[string]promotion.Definition
	// suspect holds codes that another feed's filter may contain.
	suspect map[string]bool
}

type feedReader func(ctx context.Context, path string, fn func(promotion.Definition)) error

// ingest reads every feed twice. The first pass builds one bloom filter per
// feed; the second keeps the definitions and flags codes that another
// feed's filter reports. Flagged codes are confirmed exactly, so bloom false
// positives never drop a promotion. It returns the definitions of codes found
// in exactly one feed and the sorted codes shared by several.
func ingest(ctx context.Context, files []string) ([]promotion.Definition, []string, error) {
	return ingestWith(ctx, files, readGzipFeed)
}

func ingestWith(ctx context.Context, files []string, read feedReader) ([]promotion.Definition, []string, error) {
	if len(files) > bits.UintSize {
		return nil, nil, errors.Errorf("at most %d feeds per run", bits.UintSize)
	}

	filters := make([]*bloom.BloomFilter, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			f := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
			if err := read(gctx, path, func(d promotion.Definition) { f.AddString(d.Code) }); err != nil {
				return errors.Wrapf(err, "index feed %d", i+1)
			}
			filters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	results := make([]feedResult, len(files))
	g, gctx = errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res := feedResult{
				defs:    make(map[string]promotion.Definition),
				suspect: make(map[string]bool),
			}
			err := read(gctx, path, func(d promotion.Definition) {
				res.defs[d.Code] = d
				for j, f := range filters {
					if j != i && f.TestString(d.Code) {
						res.suspect[d.Code] = true
						return
					}
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan feed %d", i+1)
			}
			slog.Info("feed scanned", slog.String("feed", path), slog.Int("codes", len(res.defs)), slog.Int("suspect", len(res.suspect)))
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Exact check of the suspects: a bitmask of the feeds holding each code.
	masks := make(map[string]uint)
	for _, res := range results {
		for code := range res.suspect {
			masks[code] = 0
		}
	}
	for i, res := range results {
		for code := range masks {
			if _, ok := res.defs[code]; ok {
				masks[code] |= 1 << uint(i)
			}
		}
	}

	var (
		defs   []promotion.Definition
		shared []string
	)
	for code, mask := range masks {
		if bits.OnesCount(mask) > 1 {
			shared = append(shared, code)
		}
	}
	slices.Sort(shared)
	for _, res := range results {
		for code, d := range res.defs {
			if _, dup := slices.BinarySearch(shared, code); dup {
				continue
			}
			defs = append(defs, d)
		}
	}
	slices.SortFunc(defs, func(a, b promotion.Definition) int {
		switch {
		case a.Code < b.Code:
			return -1
		case a.Code > b.Code:
			return 1
		}
		return 0
	})
	return defs, shared, nil
}
