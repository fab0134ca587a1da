package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so row helpers work
// inside and outside a unit of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// WithTx runs fn in a READ COMMITTED transaction. Isolation between
// concurrent units of work comes from the explicit row locks taken by the
// Lock* methods.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id int64) (*domain.Invoice, error) {
	return selectInvoice(ctx, s.db, id, false)
}

func (s *Store) ListInvoicesByStatus(ctx context.Context, status domain.InvoiceStatus, limit int) ([]domain.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}

	invoices := make([]domain.Invoice, 0, 16)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range invoices {
		items, err := selectItems(ctx, s.db, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		invoices[i].Items = items
	}
	return invoices, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return selectProduct(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, store.ErrNotFound
	}
	return selectProduct(ctx, s.db, `WHERE barcode = $1`, barcode)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.listProducts(ctx, `ORDER BY id`)
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.listProducts(ctx, `WHERE stock_qty <= min_stock ORDER BY id`)
}

func (s *Store) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listProducts(ctx, `
		WHERE name ILIKE $1 OR sku ILIKE $1 OR barcode ILIKE $1
		ORDER BY lower(name), id
		LIMIT $2`, likePattern(query), limit)
}

func (s *Store) listProducts(ctx context.Context, tail string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListStockTransactions(ctx context.Context, productID int64, limit int) ([]domain.StockTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, type, qty_change, reference_id, notes, created_at
		FROM inventory_transactions
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockTransaction, 0, limit)
	for rows.Next() {
		var (
			entry     domain.StockTransaction
			entryType string
			ref       sql.NullInt64
		)
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entryType, &entry.QtyChange, &ref, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Type = domain.StockTxType(entryType)
		entry.ReferenceID = idPtr(ref)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	return selectCustomer(ctx, s.db, id, false)
}

func (s *Store) ListCustomers(ctx context.Context, query string) ([]domain.Customer, error) {
	return s.listCustomers(ctx, `WHERE name ILIKE $1 OR phone ILIKE $1 ORDER BY lower(name), id`, likePattern(query))
}

func (s *Store) ListCustomersWithBalance(ctx context.Context) ([]domain.Customer, error) {
	return s.listCustomers(ctx, `WHERE current_balance > 0 ORDER BY current_balance DESC, id`)
}

func (s *Store) listCustomers(ctx context.Context, tail string, args ...any) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 16)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.CreditLimit, &c.CurrentBalance, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return fmt.Errorf("postgres: create user: username and password required")
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`,
		strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	splits, err := encodeSplits(inv.PaymentSplits)
	if err != nil {
		return nil, err
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO invoices (
			invoice_number, customer_id, vehicle_id, technician_id, status, payment_method, payment_splits,
			subtotal, tax, discount, total, paid_amount, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id
	`, inv.Number, nullID(inv.CustomerID), nullID(inv.VehicleID), nullID(inv.TechnicianID), string(inv.Status),
		nullIfEmpty(string(inv.PaymentMethod)), splits,
		inv.Subtotal, inv.Tax, inv.Discount, inv.Total, inv.PaidAmount, inv.Notes, inv.CreatedAt,
	).Scan(&inv.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	inv.Items = []domain.InvoiceItem{}
	return &inv, nil
}

func (t *pgTx) LockInvoice(ctx context.Context, id int64) (*domain.Invoice, error) {
	return selectInvoice(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv domain.Invoice) error {
	splits, err := encodeSplits(inv.PaymentSplits)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET customer_id = $2, vehicle_id = $3, technician_id = $4, status = $5,
			payment_method = $6, payment_splits = $7,
			subtotal = $8, tax = $9, discount = $10, total = $11, paid_amount = $12,
			notes = $13, void_reason = $14, completed_at = $15, voided_at = $16
		WHERE id = $1
	`, inv.ID, nullID(inv.CustomerID), nullID(inv.VehicleID), nullID(inv.TechnicianID), string(inv.Status),
		nullIfEmpty(string(inv.PaymentMethod)), splits,
		inv.Subtotal, inv.Tax, inv.Discount, inv.Total, inv.PaidAmount,
		inv.Notes, inv.VoidReason, nullTime(inv.CompletedAt), nullTime(inv.VoidedAt))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) InsertItem(ctx context.Context, item domain.InvoiceItem) (*domain.InvoiceItem, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoice_items (invoice_id, product_id, description, qty, unit_price, unit_cost, total)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, item.InvoiceID, nullID(item.ProductID), item.Description, item.Qty, item.UnitPrice, item.UnitCost, item.Total).Scan(&item.ID)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (t *pgTx) DeleteItem(ctx context.Context, invoiceID int64, itemID int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM invoice_items WHERE id = $1 AND invoice_id = $2`, itemID, invoiceID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO products (sku, barcode, name, category, unit, sell_price, cost_price, stock_qty, min_stock, max_stock, is_bulk, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id
	`, p.SKU, nullIfEmpty(p.Barcode), p.Name, p.Category, p.Unit, p.SellPrice, p.CostPrice, p.StockQty,
		p.MinStock, p.MaxStock, p.IsBulk, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return selectProduct(ctx, t.tx, `WHERE id = $1`, id)
}

func (t *pgTx) LockProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return selectProduct(ctx, t.tx, `WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) UpdateProduct(ctx context.Context, p domain.Product) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET sku = $2, barcode = $3, name = $4, category = $5, unit = $6,
			sell_price = $7, cost_price = $8, min_stock = $9, max_stock = $10, is_bulk = $11
		WHERE id = $1
	`, p.ID, p.SKU, nullIfEmpty(p.Barcode), p.Name, p.Category, p.Unit, p.SellPrice, p.CostPrice, p.MinStock, p.MaxStock, p.IsBulk)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) SetProductStock(ctx context.Context, id int64, qty decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET stock_qty = $2 WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) AppendStockTransaction(ctx context.Context, entry domain.StockTransaction) (*domain.StockTransaction, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO inventory_transactions (product_id, type, qty_change, reference_id, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, entry.ProductID, string(entry.Type), entry.QtyChange, nullID(entry.ReferenceID), entry.Notes, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (t *pgTx) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO customers (name, phone, credit_limit, current_balance, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, c.Name, c.Phone, c.CreditLimit, c.CurrentBalance, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) LockCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	return selectCustomer(ctx, t.tx, id, true)
}

func (t *pgTx) SetCustomerBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE customers SET current_balance = $2 WHERE id = $1`, id, balance)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

const invoiceColumns = `id, invoice_number, customer_id, vehicle_id, technician_id, status, payment_method, payment_splits,
	subtotal, tax, discount, total, paid_amount, notes, void_reason, created_at, completed_at, voided_at`

const customerColumns = `id, name, phone, credit_limit, current_balance, created_at`

const productColumns = `id, sku, barcode, name, category, unit, sell_price, cost_price, stock_qty, min_stock, max_stock, is_bulk, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func selectInvoice(ctx context.Context, q querier, id int64, lock bool) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := selectItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	inv.Items = items
	return inv, nil
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var (
		inv                           domain.Invoice
		status                        string
		method                        sql.NullString
		splits                        []byte
		customerID, vehicleID, techID sql.NullInt64
		completedAt, voidedAt         sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.Number, &customerID, &vehicleID, &techID, &status, &method, &splits,
		&inv.Subtotal, &inv.Tax, &inv.Discount, &inv.Total, &inv.PaidAmount, &inv.Notes, &inv.VoidReason,
		&inv.CreatedAt, &completedAt, &voidedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.PaymentMethod = domain.PaymentMethod(method.String)
	inv.CustomerID = idPtr(customerID)
	inv.VehicleID = idPtr(vehicleID)
	inv.TechnicianID = idPtr(techID)
	inv.CompletedAt = timePtr(completedAt)
	inv.VoidedAt = timePtr(voidedAt)
	if len(splits) > 0 {
		if err := json.Unmarshal(splits, &inv.PaymentSplits); err != nil {
			return nil, fmt.Errorf("postgres: decode payment splits: %w", err)
		}
	}
	return &inv, nil
}

func selectItems(ctx context.Context, q querier, invoiceID int64) ([]domain.InvoiceItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, product_id, description, qty, unit_price, unit_cost, total
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InvoiceItem, 0, 8)
	for rows.Next() {
		var (
			item      domain.InvoiceItem
			productID sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.InvoiceID, &productID, &item.Description, &item.Qty, &item.UnitPrice, &item.UnitCost, &item.Total); err != nil {
			return nil, err
		}
		item.ProductID = idPtr(productID)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func selectProduct(ctx context.Context, q querier, where string, arg any) (*domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var (
		p       domain.Product
		barcode sql.NullString
	)
	if err := row.Scan(&p.ID, &p.SKU, &barcode, &p.Name, &p.Category, &p.Unit, &p.SellPrice, &p.CostPrice,
		&p.StockQty, &p.MinStock, &p.MaxStock, &p.IsBulk, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Barcode = barcode.String
	return &p, nil
}

func selectCustomer(ctx context.Context, q querier, id int64, lock bool) (*domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var c domain.Customer
	err := q.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.Phone, &c.CreditLimit, &c.CurrentBalance, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func encodeSplits(splits []domain.SplitPayment) (any, error) {
	if len(splits) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(splits)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode payment splits: %w", err)
	}
	return string(payload), nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// likePattern turns free text into a contains match with LIKE wildcards escaped.
func likePattern(query string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSpace(query))
	return "%" + escaped + "%"
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func nullID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func idPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
