package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"lubesoft/backend/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Repository is the single authoritative store. Multi-row changes go through
// WithTx; the read methods see committed state only.
type Repository interface {
	Reader
	UserStore

	// WithTx runs fn as one unit of work. If fn returns an error, or the
	// commit fails, none of fn's writes persist.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Reader interface {
	GetInvoice(ctx context.Context, id int64) (*domain.Invoice, error)
	ListInvoicesByStatus(ctx context.Context, status domain.InvoiceStatus, limit int) ([]domain.Invoice, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListLowStock(ctx context.Context) ([]domain.Product, error)
	// SearchProducts matches query against name, SKU and barcode without
	// regard to case.
	SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error)
	ListStockTransactions(ctx context.Context, productID int64, limit int) ([]domain.StockTransaction, error)
	GetCustomer(ctx context.Context, id int64) (*domain.Customer, error)
	// ListCustomers returns customers by name; an empty query matches all.
	ListCustomers(ctx context.Context, query string) ([]domain.Customer, error)
	// ListCustomersWithBalance returns accounts that owe money, largest balance first.
	ListCustomersWithBalance(ctx context.Context) ([]domain.Customer, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the write side of a unit of work. Lock* methods hold the row for
// writing until the unit of work ends.
type Tx interface {
	CreateInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error)
	LockInvoice(ctx context.Context, id int64) (*domain.Invoice, error)
	UpdateInvoice(ctx context.Context, inv domain.Invoice) error
	InsertItem(ctx context.Context, item domain.InvoiceItem) (*domain.InvoiceItem, error)
	DeleteItem(ctx context.Context, invoiceID int64, itemID int64) error

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	LockProduct(ctx context.Context, id int64) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) error
	SetProductStock(ctx context.Context, id int64, qty decimal.Decimal) error
	AppendStockTransaction(ctx context.Context, entry domain.StockTransaction) (*domain.StockTransaction, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	LockCustomer(ctx context.Context, id int64) (*domain.Customer, error)
	SetCustomerBalance(ctx context.Context, id int64, balance decimal.Decimal) error
}
