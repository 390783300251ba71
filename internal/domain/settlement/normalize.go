package settlement

import (
	"context"
	"net"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xenking/oolio-pos/internal/domain/inventory"
)

// Category is a user-facing class of collaborator failure.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryPermission  Category = "permission"
	CategoryDuplicate   Category = "duplicate"
	CategoryTimeout     Category = "timeout"
	CategoryMissingData Category = "missing_data"
	CategoryGeneric     Category = "generic"

	// CategoryValidation marks attempts rejected before any collaborator ran.
	CategoryValidation Category = "validation"
)

var categoryMessages = map[Category]string{
	CategoryNetwork:     "network error, check the connection and retry",
	CategoryPermission:  "permission denied by the backend",
	CategoryDuplicate:   "sale already recorded",
	CategoryTimeout:     "backend did not respond in time",
	CategoryMissingData: "required data is missing",
	CategoryGeneric:     "sale could not be completed",
}

// NormalizedError is the classified form of a collaborator error.
type NormalizedError struct {
	Category Category
	Message  string
}

// Normalize classifies err. Typed errors are checked first (context,
// PostgreSQL SQLSTATE codes, network errors, inventory sentinels); anything
// else falls back to keywords in the message.
func Normalize(err error) NormalizedError {
	if err == nil {
		return NormalizedError{}
	}
	c := classify(err)
	msg := categoryMessages[c]
	if c == CategoryGeneric || c == CategoryMissingData {
		msg = msg + ": " + err.Error()
	}
	return NormalizedError{Category: c, Message: msg}
}

func classify(err error) Category {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryNetwork
	case errors.Is(err, inventory.ErrProductNotFound):
		return CategoryMissingData
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if c, ok := classifySQLState(pgErr.Code); ok {
			return c
		}
	}
	if pgconn.Timeout(err) {
		return CategoryTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	return classifyMessage(err.Error())
}

func classifySQLState(code string) (Category, bool) {
	switch code {
	case "23505":
		return CategoryDuplicate, true
	case "42501":
		return CategoryPermission, true
	case "23502", "23503":
		return CategoryMissingData, true
	case "57014":
		return CategoryTimeout, true
	}
	switch {
	case strings.HasPrefix(code, "08"):
		return CategoryNetwork, true
	case strings.HasPrefix(code, "28"):
		return CategoryPermission, true
	}
	return "", false
}

var keywordCategories = []struct {
	category Category
	keywords []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline"}},
	{CategoryNetwork, []string{"network", "connection", "dial", "unreachable", "failed to fetch", "eof"}},
	{CategoryPermission, []string{"permission", "denied", "unauthorized", "forbidden", "row-level security"}},
	{CategoryDuplicate, []string{"duplicate", "already exists", "unique constraint"}},
	{CategoryMissingData, []string{"null value", "required", "missing", "not found"}},
}

func classifyMessage(msg string) Category {
	msg = strings.ToLower(msg)
	for _, kc := range keywordCategories {
		for _, kw := range kc.keywords {
			if strings.Contains(msg, kw) {
				return kc.category
			}
		}
	}
	return CategoryGeneric
}
