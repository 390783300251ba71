package main

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/promotion"
)

// Feed columns: code,type,value,categories,products,max_uses,valid_from,valid_until,description.
// Lists are separated by '|', times are RFC 3339, empty cells mean unset.
const feedColumns = 9

func parseRecord(rec []string) (promotion.Definition, error) {
	if len(rec) != feedColumns {
		return promotion.Definition{}, errors.Errorf("want %d columns, got %d", feedColumns, len(rec))
	}
	def := promotion.Definition{
		Code:        promotion.NormalizeCode(rec[0]),
		Type:        promotion.Type(strings.ToLower(strings.TrimSpace(rec[1]))),
		Categories:  splitList(rec[3]),
		Products:    splitList(rec[4]),
		Description: strings.TrimSpace(rec[8]),
	}
	if def.Code == "" {
		return def, errors.New("empty code")
	}
	if def.Type != promotion.TypePercentage && def.Type != promotion.TypeFixed {
		return def, errors.Errorf("unknown type %q", rec[1])
	}

	value, err := decimal.NewFromString(strings.TrimSpace(rec[2]))
	if err != nil {
		return def, errors.Wrap(err, "value")
	}
	if !value.IsPositive() {
		return def, errors.New("value must be positive")
	}
	if def.Type == promotion.TypePercentage && value.GreaterThan(decimal.NewFromInt(100)) {
		return def, errors.New("percentage above 100")
	}
	def.Value = value

	if s := strings.TrimSpace(rec[5]); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return def, errors.Errorf("max uses %q", s)
		}
		def.MaxUses = n
	}
	if def.ValidFrom, err = parseTime(rec[6]); err != nil {
		return def, errors.Wrap(err, "valid from")
	}
	if def.ValidUntil, err = parseTime(rec[7]); err != nil {
		return def, errors.Wrap(err, "valid until")
	}
	if def.ValidFrom != nil && def.ValidUntil != nil && def.ValidUntil.Before(*def.ValidFrom) {
		return def, errors.New("validity window ends before it starts")
	}
	return def, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// readFeed decodes a feed and calls fn for every valid definition. Malformed
// rows are logged and skipped. A header row starting with "code" is ignored.
func readFeed(ctx context.Context, r io.Reader, name string, fn func(promotion.Definition)) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
			continue
		}
		def, err := parseRecord(rec)
		if err != nil {
			slog.Warn("skipping row", slog.String("feed", name), slog.Int("line", line), slog.String("error", err.Error()))
			continue
		}
		fn(def)
	}
}

// readGzipFeed opens a gzip-compressed feed file.
func readGzipFeed(ctx context.Context, path string, fn func(promotion.Definition)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return readFeed(ctx, gz, path, fn)
}
