package service

import (
	"errors"
	"fmt"

	"lubesoft/backend/internal/domain"
)

var (
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrItemNotFound        = errors.New("invoice item not found")
	ErrDuplicateProduct    = errors.New("sku or barcode already in use")
	ErrEmptyInvoice        = errors.New("invoice has no items")
	ErrInvalidQuantity     = errors.New("quantity must be greater than zero")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientPayment = errors.New("paid amount is less than invoice total")
	ErrUnsupportedPayment  = errors.New("unsupported payment method")
	ErrCustomerRequired    = errors.New("credit checkout requires a customer on the invoice")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrNegativeStock       = errors.New("stock cannot go below zero")
	ErrInvoiceLocked       = errors.New("invoice can no longer be edited")
	ErrIllegalTransition   = domain.ErrIllegalTransition
	ErrCreditLimitExceeded = errors.New("customer credit limit exceeded")
	ErrApprovalRequired    = errors.New("manager approval required to void a paid invoice")
	ErrNumberExhausted     = errors.New("could not allocate a unique invoice number")
	ErrInvalidProduct      = errors.New("invalid product")
	ErrInvalidCustomer     = errors.New("invalid customer")
	ErrReasonRequired      = errors.New("a reason is required")
	ErrDescriptionRequired = errors.New("item description is required")
	ErrSearchQueryRequired = errors.New("search text is required")
)

// ValidationError reports bad input or an unknown id. Nothing was written.
type ValidationError struct {
	Err     error
	Details string
}

func (e *ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Details)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PreconditionError reports an operation the current state does not allow,
// such as editing a PAID invoice or selling stock that is not there. Nothing
// was written.
type PreconditionError struct {
	Err     error
	Details string
}

func (e *PreconditionError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Details)
	}
	return e.Err.Error()
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// TransactionalError reports a store failure inside a unit of work. The unit
// was rolled back as a whole; retrying is up to the caller.
type TransactionalError struct {
	Op  string
	Err error
}

func (e *TransactionalError) Error() string {
	return fmt.Sprintf("%s: store failure: %v", e.Op, e.Err)
}

func (e *TransactionalError) Unwrap() error {
	return e.Err
}

func invalid(err error, details string) error {
	return &ValidationError{Err: err, Details: details}
}

func precondition(err error, details string) error {
	return &PreconditionError{Err: err, Details: details}
}

// IsNotFound reports whether err names an unknown invoice, product, customer or item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrItemNotFound)
}

// outcome labels err for metrics and logs.
func outcome(err error) string {
	var (
		ve *ValidationError
		pe *PreconditionError
		te *TransactionalError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &pe):
		return "precondition"
	case errors.As(err, &te):
		return "transactional"
	default:
		return "error"
	}
}
