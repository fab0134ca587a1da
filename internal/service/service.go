package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/metrics"
	"lubesoft/backend/internal/numbering"
	"lubesoft/backend/internal/restock"
	"lubesoft/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

// Service is the invoice lifecycle and stock ledger engine. It keeps no
// invoice or stock state of its own between calls.
type Service struct {
	repo    store.Repository
	numbers *numbering.Generator
	restock *restock.Engine
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	taxRate decimal.Decimal
	now     func() time.Time
}

type Option func(*Service)

// WithTaxRate sets the fraction of the subtotal charged as tax (0.0825 for 8.25%).
func WithTaxRate(rate decimal.Decimal) Option {
	return func(s *Service) { s.taxRate = rate }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, numbers *numbering.Generator, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		numbers: numbers,
		restock: restock.NewEngine(),
		log:     logrus.StandardLogger(),
		taxRate: decimal.Zero,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// inTx runs fn as one unit of work. Validation and precondition errors pass
// through unchanged; anything else is a store failure and comes back as a
// TransactionalError.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	err := s.repo.WithTx(ctx, fn)
	if err == nil {
		return nil
	}
	return classify(op, err)
}

func classify(op string, err error) error {
	var (
		ve *ValidationError
		pe *PreconditionError
		te *TransactionalError
	)
	if errors.As(err, &ve) || errors.As(err, &pe) || errors.As(err, &te) {
		return err
	}
	return &TransactionalError{Op: op, Err: err}
}

// readErr maps a failed read: store.ErrNotFound becomes a ValidationError
// carrying notFound, anything else a TransactionalError.
func readErr(op string, err error, notFound error, id any) error {
	if errors.Is(err, store.ErrNotFound) {
		return invalid(notFound, fmt.Sprintf("id %v", id))
	}
	return &TransactionalError{Op: op, Err: err}
}

func lockInvoice(ctx context.Context, tx store.Tx, id int64) (*domain.Invoice, error) {
	inv, err := tx.LockInvoice(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid(ErrInvoiceNotFound, fmt.Sprintf("id %d", id))
	}
	return inv, err
}

func lockProduct(ctx context.Context, tx store.Tx, id int64) (*domain.Product, error) {
	p, err := tx.LockProduct(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid(ErrProductNotFound, fmt.Sprintf("id %d", id))
	}
	return p, err
}

func lockCustomer(ctx context.Context, tx store.Tx, id int64) (*domain.Customer, error) {
	c, err := tx.LockCustomer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid(ErrCustomerNotFound, fmt.Sprintf("id %d", id))
	}
	return c, err
}

func (s *Service) logOp(ctx context.Context, op string, fields logrus.Fields, err error) {
	entry := s.log.WithFields(fields).WithField("op", op).WithField("actor", actorName(ctx))
	switch outcome(err) {
	case "ok":
		entry.Info(op)
	case "transactional", "error":
		entry.WithError(err).Error(op + " failed")
	default:
		entry.WithError(err).Warn(op + " rejected")
	}
}
