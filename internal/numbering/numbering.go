// Package numbering issues human-readable invoice numbers of the form
// INV-YYYYMMDD-NNNN.
package numbering

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"
)

const (
	prefix      = "INV-"
	dayLayout   = "20060102"
	sequenceMod = 10000
)

var numberPattern = regexp.MustCompile(`^INV-\d{8}-\d{4}$`)

// Sequence hands out the counter part of an invoice number for a given day.
type Sequence interface {
	Next(ctx context.Context, day time.Time) (int64, error)
}

// LocalSequence is an in-process counter seeded from the process start time.
// Two processes started in the same second share a seed; the store's unique
// constraint on invoice numbers catches the resulting collisions.
type LocalSequence struct {
	counter atomic.Int64
}

func NewLocalSequence(start time.Time) *LocalSequence {
	seq := &LocalSequence{}
	seq.counter.Store(start.Unix() % 100000)
	return seq
}

func (s *LocalSequence) Next(_ context.Context, _ time.Time) (int64, error) {
	return s.counter.Add(1) % sequenceMod, nil
}

type Generator struct {
	seq Sequence
	loc *time.Location
	now func() time.Time
}

func NewGenerator(seq Sequence, loc *time.Location) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{seq: seq, loc: loc, now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

func (g *Generator) Next(ctx context.Context) (string, error) {
	day := g.now().In(g.loc)
	n, err := g.seq.Next(ctx, day)
	if err != nil {
		return "", fmt.Errorf("numbering: next sequence: %w", err)
	}
	return Format(day, n), nil
}

func Format(day time.Time, n int64) string {
	n %= sequenceMod
	if n < 0 {
		n += sequenceMod
	}
	return fmt.Sprintf("%s%s-%04d", prefix, day.Format(dayLayout), n)
}

func Valid(number string) bool {
	return numberPattern.MatchString(number)
}
