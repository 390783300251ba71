package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// AttemptStatus is the outcome recorded for a payment attempt.
type AttemptStatus string

const (
	AttemptProcessing AttemptStatus = "processing"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
)

// Attempt is one entry of the payment attempt log.
type Attempt struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Status    AttemptStatus   `json:"status"`
	Mode      Mode            `json:"mode"`
	Amount    decimal.Decimal `json:"amount"`
	SaleID    string          `json:"sale_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Category  Category        `json:"category,omitempty"`
}

// attemptLog is a fixed-capacity ring; the oldest entry is evicted first.
type attemptLog struct {
	buf  []Attempt
	head int
	size int
}

func newAttemptLog(capacity int) *attemptLog {
	return &attemptLog{buf: make([]Attempt, capacity)}
}

func (l *attemptLog) append(a Attempt) {
	l.buf[(l.head+l.size)%len(l.buf)] = a
	if l.size < len(l.buf) {
		l.size++
		return
	}
	l.head = (l.head + 1) % len(l.buf)
}

// list returns the entries oldest first.
func (l *attemptLog) list() []Attempt {
	out := make([]Attempt, l.size)
	for i := range l.size {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	return out
}
