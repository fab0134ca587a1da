package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/store"
)

// Store keeps all state in maps. Units of work run one at a time against a
// cloned snapshot that replaces the live data only when fn succeeds.
type Store struct {
	mu     sync.RWMutex
	data   *dataset
	faults map[string]error
}

type dataset struct {
	seq       sequences
	products  map[int64]domain.Product
	invoices  map[int64]domain.Invoice
	items     map[int64]domain.InvoiceItem
	ledger    []domain.StockTransaction
	customers map[int64]domain.Customer
	users     map[string]domain.UserAccount
}

type sequences struct {
	product, invoice, item, stockTx, customer int64
}

func New() *Store {
	return &Store{
		data: &dataset{
			products:  make(map[int64]domain.Product),
			invoices:  make(map[int64]domain.Invoice),
			items:     make(map[int64]domain.InvoiceItem),
			ledger:    make([]domain.StockTransaction, 0, 64),
			customers: make(map[int64]domain.Customer),
			users:     make(map[string]domain.UserAccount),
		},
		faults: make(map[string]error),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD, SEED_CASHIER_PASSWORD and SEED_TECHNICIAN_PASSWORD;
// unset values fall back to dev defaults with a warning. Production runs on
// PostgreSQL and never sees these.
func seedUsers() map[string]domain.UserAccount {
	accounts := []struct {
		username, env, fallback, role string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"cashier", "SEED_CASHIER_PASSWORD", "cashier123", domain.RoleCashier},
		{"tech", "SEED_TECHNICIAN_PASSWORD", "tech123", domain.RoleTechnician},
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, len(accounts))
	for _, a := range accounts {
		password := os.Getenv(a.env)
		if password == "" {
			logrus.WithField("user", a.username).Warn("memory store: using default dev credentials, set " + a.env + " to override")
			password = a.fallback
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Fatalf("memory store: hash seed password for %s", a.username)
		}
		users[a.username] = domain.UserAccount{
			Username:  a.username,
			Password:  string(hash),
			Role:      a.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

// NewSeeded returns a store with a small lube-shop catalog, one house
// account customer and dev users.
func NewSeeded() *Store {
	s := New()
	d := s.data
	now := time.Now().UTC()

	products := []domain.Product{
		{SKU: "OIL-5W30-5Q", Barcode: "071611000502", Name: "Synthetic 5W-30 5qt", Category: "oil", Unit: "jug", SellPrice: dec("32.99"), CostPrice: dec("21.40"), StockQty: dec("24"), MinStock: dec("6"), MaxStock: dec("48")},
		{SKU: "OIL-BULK-10W40", Name: "Conventional 10W-40 (bulk)", Category: "oil", Unit: "qt", SellPrice: dec("6.25"), CostPrice: dec("2.10"), StockQty: dec("480"), MinStock: dec("60"), MaxStock: dec("660"), IsBulk: true},
		{SKU: "FLT-OIL-PH3614", Barcode: "009100036140", Name: "Oil Filter PH3614", Category: "filter", Unit: "ea", SellPrice: dec("8.49"), CostPrice: dec("3.15"), StockQty: dec("40"), MinStock: dec("10"), MaxStock: dec("80")},
		{SKU: "FLT-AIR-CA10165", Barcode: "009100101657", Name: "Air Filter CA10165", Category: "filter", Unit: "ea", SellPrice: dec("16.99"), CostPrice: dec("7.80"), StockQty: dec("12"), MinStock: dec("4"), MaxStock: dec("24")},
		{SKU: "FLT-CABIN-CF10134", Name: "Cabin Air Filter CF10134", Category: "filter", Unit: "ea", SellPrice: dec("19.99"), CostPrice: dec("8.95"), StockQty: dec("3"), MinStock: dec("4"), MaxStock: dec("16")},
		{SKU: "WIPER-22", Name: "Wiper Blade 22in", Category: "wiper", Unit: "ea", SellPrice: dec("14.49"), CostPrice: dec("5.60"), StockQty: dec("18"), MinStock: dec("6"), MaxStock: dec("30")},
		{SKU: "ATF-BULK-DEXVI", Name: "ATF Dexron VI (bulk)", Category: "fluid", Unit: "qt", SellPrice: dec("7.75"), CostPrice: dec("3.05"), StockQty: dec("150"), MinStock: dec("40"), MaxStock: dec("220"), IsBulk: true},
		{SKU: "ADD-FUEL-12OZ", Name: "Fuel System Cleaner 12oz", Category: "additive", Unit: "ea", SellPrice: dec("11.99"), CostPrice: dec("4.70"), StockQty: dec("20"), MinStock: dec("5"), MaxStock: dec("30")},
	}
	for _, p := range products {
		d.seq.product++
		p.ID = d.seq.product
		p.CreatedAt = now
		d.products[p.ID] = p
	}

	d.seq.customer++
	d.customers[d.seq.customer] = domain.Customer{
		ID:             d.seq.customer,
		Name:           "City Fleet Services",
		Phone:          "555-0142",
		CreditLimit:    dec("2500"),
		CurrentBalance: decimal.Zero,
		CreatedAt:      now,
	}

	d.users = seedUsers()
	return s
}

// FailOn makes the next call to the named Tx method return err. Tests use it
// to abort a unit of work part-way through.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, &memTx{store: s, data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) GetInvoice(_ context.Context, id int64) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.invoiceWithItems(id)
}

func (s *Store) ListInvoicesByStatus(_ context.Context, status domain.InvoiceStatus, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, 16)
	for id, inv := range s.data.invoices {
		if inv.Status != status {
			continue
		}
		full, err := s.data.invoiceWithItems(id)
		if err != nil {
			return nil, err
		}
		result = append(result, *full)
	}
	slices.SortFunc(result, func(a, b domain.Invoice) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.product(id)
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.data.products {
		if barcode != "" && p.Barcode == barcode {
			product := p
			return &product, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.sortedProducts(func(domain.Product) bool { return true }), nil
}

func (s *Store) ListLowStock(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.sortedProducts(domain.Product.LowStock), nil
}

func (s *Store) SearchProducts(_ context.Context, query string, limit int) ([]domain.Product, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := s.data.sortedProducts(func(p domain.Product) bool {
		return strings.Contains(strings.ToLower(p.Name), needle) ||
			strings.Contains(strings.ToLower(p.SKU), needle) ||
			(p.Barcode != "" && strings.Contains(p.Barcode, needle))
	})
	slices.SortStableFunc(result, func(a, b domain.Product) int { return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListStockTransactions(_ context.Context, productID int64, limit int) ([]domain.StockTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockTransaction, 0, 16)
	for i := len(s.data.ledger) - 1; i >= 0; i-- {
		entry := s.data.ledger[i]
		if entry.ProductID != productID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, id int64) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListCustomers(_ context.Context, query string) ([]domain.Customer, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := s.data.sortedCustomers(func(c domain.Customer) bool {
		return strings.Contains(strings.ToLower(c.Name), needle) || strings.Contains(c.Phone, needle)
	})
	slices.SortStableFunc(result, func(a, b domain.Customer) int { return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)) })
	return result, nil
}

func (s *Store) ListCustomersWithBalance(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := s.data.sortedCustomers(func(c domain.Customer) bool { return c.CurrentBalance.IsPositive() })
	slices.SortStableFunc(result, func(a, b domain.Customer) int { return b.CurrentBalance.Cmp(a.CurrentBalance) })
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return fmt.Errorf("memory: create user: username and password required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.users[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.data.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.data.users))
	for _, u := range s.data.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int { return strings.Compare(a.Username, b.Username) })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	username = strings.ToLower(strings.TrimSpace(username))
	user, ok := s.data.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.data.users[username] = user
	return nil
}

type memTx struct {
	store *Store
	data  *dataset
}

// fault consumes an injected failure for method, if any. Callers hold store.mu.
func (t *memTx) fault(method string) error {
	err, ok := t.store.faults[method]
	if !ok {
		return nil
	}
	delete(t.store.faults, method)
	return err
}

func (t *memTx) CreateInvoice(_ context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	if err := t.fault("CreateInvoice"); err != nil {
		return nil, err
	}
	for _, existing := range t.data.invoices {
		if existing.Number == inv.Number {
			return nil, store.ErrDuplicate
		}
	}
	t.data.seq.invoice++
	inv.ID = t.data.seq.invoice
	inv.Items = nil
	t.data.invoices[inv.ID] = cloneInvoiceHeader(inv)
	return t.data.invoiceWithItems(inv.ID)
}

func (t *memTx) LockInvoice(_ context.Context, id int64) (*domain.Invoice, error) {
	if err := t.fault("LockInvoice"); err != nil {
		return nil, err
	}
	return t.data.invoiceWithItems(id)
}

func (t *memTx) UpdateInvoice(_ context.Context, inv domain.Invoice) error {
	if err := t.fault("UpdateInvoice"); err != nil {
		return err
	}
	existing, ok := t.data.invoices[inv.ID]
	if !ok {
		return store.ErrNotFound
	}
	inv.Number = existing.Number
	inv.CreatedAt = existing.CreatedAt
	t.data.invoices[inv.ID] = cloneInvoiceHeader(inv)
	return nil
}

func (t *memTx) InsertItem(_ context.Context, item domain.InvoiceItem) (*domain.InvoiceItem, error) {
	if err := t.fault("InsertItem"); err != nil {
		return nil, err
	}
	if _, ok := t.data.invoices[item.InvoiceID]; !ok {
		return nil, store.ErrNotFound
	}
	t.data.seq.item++
	item.ID = t.data.seq.item
	item.ProductID = cloneID(item.ProductID)
	t.data.items[item.ID] = item
	return &item, nil
}

func (t *memTx) DeleteItem(_ context.Context, invoiceID int64, itemID int64) error {
	if err := t.fault("DeleteItem"); err != nil {
		return err
	}
	item, ok := t.data.items[itemID]
	if !ok || item.InvoiceID != invoiceID {
		return store.ErrNotFound
	}
	delete(t.data.items, itemID)
	return nil
}

func (t *memTx) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if err := t.fault("CreateProduct"); err != nil {
		return nil, err
	}
	if t.data.conflicts(0, product.SKU, product.Barcode) {
		return nil, store.ErrDuplicate
	}
	t.data.seq.product++
	product.ID = t.data.seq.product
	t.data.products[product.ID] = product
	return &product, nil
}

func (t *memTx) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	if err := t.fault("GetProduct"); err != nil {
		return nil, err
	}
	return t.data.product(id)
}

func (t *memTx) LockProduct(_ context.Context, id int64) (*domain.Product, error) {
	if err := t.fault("LockProduct"); err != nil {
		return nil, err
	}
	return t.data.product(id)
}

func (t *memTx) UpdateProduct(_ context.Context, product domain.Product) error {
	if err := t.fault("UpdateProduct"); err != nil {
		return err
	}
	existing, ok := t.data.products[product.ID]
	if !ok {
		return store.ErrNotFound
	}
	if t.data.conflicts(product.ID, product.SKU, product.Barcode) {
		return store.ErrDuplicate
	}
	product.StockQty = existing.StockQty
	product.CreatedAt = existing.CreatedAt
	t.data.products[product.ID] = product
	return nil
}

func (t *memTx) SetProductStock(_ context.Context, id int64, qty decimal.Decimal) error {
	if err := t.fault("SetProductStock"); err != nil {
		return err
	}
	product, ok := t.data.products[id]
	if !ok {
		return store.ErrNotFound
	}
	product.StockQty = qty
	t.data.products[id] = product
	return nil
}

func (t *memTx) AppendStockTransaction(_ context.Context, entry domain.StockTransaction) (*domain.StockTransaction, error) {
	if err := t.fault("AppendStockTransaction"); err != nil {
		return nil, err
	}
	if _, ok := t.data.products[entry.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	t.data.seq.stockTx++
	entry.ID = t.data.seq.stockTx
	entry.ReferenceID = cloneID(entry.ReferenceID)
	t.data.ledger = append(t.data.ledger, entry)
	return &entry, nil
}

func (t *memTx) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := t.fault("CreateCustomer"); err != nil {
		return nil, err
	}
	t.data.seq.customer++
	customer.ID = t.data.seq.customer
	t.data.customers[customer.ID] = customer
	return &customer, nil
}

func (t *memTx) LockCustomer(_ context.Context, id int64) (*domain.Customer, error) {
	if err := t.fault("LockCustomer"); err != nil {
		return nil, err
	}
	c, ok := t.data.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *memTx) SetCustomerBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	if err := t.fault("SetCustomerBalance"); err != nil {
		return err
	}
	c, ok := t.data.customers[id]
	if !ok {
		return store.ErrNotFound
	}
	c.CurrentBalance = balance
	t.data.customers[id] = c
	return nil
}

func (d *dataset) clone() *dataset {
	out := &dataset{
		seq:       d.seq,
		products:  make(map[int64]domain.Product, len(d.products)),
		invoices:  make(map[int64]domain.Invoice, len(d.invoices)),
		items:     make(map[int64]domain.InvoiceItem, len(d.items)),
		ledger:    slices.Clone(d.ledger),
		customers: make(map[int64]domain.Customer, len(d.customers)),
		users:     make(map[string]domain.UserAccount, len(d.users)),
	}
	for id, p := range d.products {
		out.products[id] = p
	}
	for id, inv := range d.invoices {
		out.invoices[id] = cloneInvoiceHeader(inv)
	}
	for id, item := range d.items {
		out.items[id] = item
	}
	for id, c := range d.customers {
		out.customers[id] = c
	}
	for name, u := range d.users {
		out.users[name] = u
	}
	return out
}

func (d *dataset) invoiceWithItems(id int64) (*domain.Invoice, error) {
	header, ok := d.invoices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	inv := cloneInvoiceHeader(header)
	inv.Items = make([]domain.InvoiceItem, 0, 4)
	for _, item := range d.items {
		if item.InvoiceID == id {
			item.ProductID = cloneID(item.ProductID)
			inv.Items = append(inv.Items, item)
		}
	}
	slices.SortFunc(inv.Items, func(a, b domain.InvoiceItem) int { return cmp.Compare(a.ID, b.ID) })
	return &inv, nil
}

func (d *dataset) product(id int64) (*domain.Product, error) {
	p, ok := d.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (d *dataset) sortedProducts(keep func(domain.Product) bool) []domain.Product {
	result := make([]domain.Product, 0, len(d.products))
	for _, p := range d.products {
		if keep(p) {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b domain.Product) int { return cmp.Compare(a.ID, b.ID) })
	return result
}

// conflicts reports whether sku or a non-empty barcode is used by a product other than id.
func (d *dataset) conflicts(id int64, sku string, barcode string) bool {
	for _, p := range d.products {
		if p.ID == id {
			continue
		}
		if p.SKU == sku || (barcode != "" && p.Barcode == barcode) {
			return true
		}
	}
	return false
}

func cloneInvoiceHeader(inv domain.Invoice) domain.Invoice {
	inv.CustomerID = cloneID(inv.CustomerID)
	inv.VehicleID = cloneID(inv.VehicleID)
	inv.TechnicianID = cloneID(inv.TechnicianID)
	inv.PaymentSplits = slices.Clone(inv.PaymentSplits)
	inv.CompletedAt = cloneTime(inv.CompletedAt)
	inv.VoidedAt = cloneTime(inv.VoidedAt)
	inv.Items = nil
	return inv
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (d *dataset) sortedCustomers(keep func(domain.Customer) bool) []domain.Customer {
	result := make([]domain.Customer, 0, len(d.customers))
	for _, c := range d.customers {
		if keep(c) {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, func(a, b domain.Customer) int { return cmp.Compare(a.ID, b.ID) })
	return result
}
