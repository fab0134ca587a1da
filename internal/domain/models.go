package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "CASH"
	PaymentCredit  PaymentMethod = "CREDIT"
	PaymentDigital PaymentMethod = "DIGITAL"
	PaymentSplit   PaymentMethod = "SPLIT"
)

type StockTxType string

const (
	StockSale       StockTxType = "SALE"
	StockPurchase   StockTxType = "PURCHASE"
	StockAdjustment StockTxType = "ADJUSTMENT"
	StockWaste      StockTxType = "WASTE"
)

const (
	RoleAdmin      = "admin"
	RoleCashier    = "cashier"
	RoleTechnician = "technician"
)

type Product struct {
	ID        int64           `json:"id"`
	SKU       string          `json:"sku"`
	Barcode   string          `json:"barcode,omitempty"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Unit      string          `json:"unit"`
	SellPrice decimal.Decimal `json:"sell_price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	StockQty  decimal.Decimal `json:"stock_qty"`
	MinStock  decimal.Decimal `json:"min_stock"`
	MaxStock  decimal.Decimal `json:"max_stock"`
	IsBulk    bool            `json:"is_bulk"`
	CreatedAt time.Time       `json:"created_at"`
}

// LowStock reports whether quantity on hand is at or below the minimum threshold.
func (p Product) LowStock() bool {
	return p.StockQty.LessThanOrEqual(p.MinStock)
}

type Customer struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	CreditLimit    decimal.Decimal `json:"credit_limit"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	CreatedAt      time.Time       `json:"created_at"`
}

type SplitPayment struct {
	Method PaymentMethod   `json:"method" validate:"required,oneof=CASH DIGITAL"`
	Amount decimal.Decimal `json:"amount"`
}

type Invoice struct {
	ID            int64           `json:"id"`
	Number        string          `json:"invoice_number"`
	CustomerID    *int64          `json:"customer_id,omitempty"`
	VehicleID     *int64          `json:"vehicle_id,omitempty"`
	TechnicianID  *int64          `json:"technician_id,omitempty"`
	Status        InvoiceStatus   `json:"status"`
	PaymentMethod PaymentMethod   `json:"payment_method,omitempty"`
	PaymentSplits []SplitPayment  `json:"payment_splits,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Notes         string          `json:"notes,omitempty"`
	VoidReason    string          `json:"void_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
	Items         []InvoiceItem   `json:"items"`
}

// Shortfall is the part of the total left on the customer's account.
func (inv Invoice) Shortfall() decimal.Decimal {
	if inv.PaymentMethod != PaymentCredit {
		return decimal.Zero
	}
	owed := inv.Total.Sub(inv.PaidAmount)
	if owed.IsNegative() {
		return decimal.Zero
	}
	return owed
}

// Change is the cash handed back to the customer.
func (inv Invoice) Change() decimal.Decimal {
	if inv.PaymentMethod == PaymentCredit || inv.PaidAmount.LessThanOrEqual(inv.Total) {
		return decimal.Zero
	}
	return inv.PaidAmount.Sub(inv.Total)
}

type InvoiceItem struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	ProductID   *int64          `json:"product_id,omitempty"`
	Description string          `json:"description"`
	Qty         decimal.Decimal `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Total       decimal.Decimal `json:"total"`
}

type StockTransaction struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	Type        StockTxType     `json:"type"`
	QtyChange   decimal.Decimal `json:"qty_change"`
	ReferenceID *int64          `json:"reference_id,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ReorderSuggestion struct {
	ProductID     int64           `json:"product_id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	StockQty      decimal.Decimal `json:"stock_qty"`
	MinStock      decimal.Decimal `json:"min_stock"`
	SuggestedQty  decimal.Decimal `json:"suggested_qty"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Urgency       string          `json:"urgency"`
}

type Payment struct {
	Method PaymentMethod   `json:"payment_method" validate:"required,oneof=CASH CREDIT DIGITAL SPLIT"`
	Amount decimal.Decimal `json:"paid_amount"`
	Splits []SplitPayment  `json:"payment_splits,omitempty" validate:"omitempty,dive"`
}

type CreateInvoiceRequest struct {
	TechnicianID *int64 `json:"technician_id,omitempty"`
	CustomerID   *int64 `json:"customer_id,omitempty"`
	VehicleID    *int64 `json:"vehicle_id,omitempty"`
	Notes        string `json:"notes,omitempty" validate:"max=500"`
}

type AddItemRequest struct {
	ProductID int64           `json:"product_id"`
	Qty       decimal.Decimal `json:"qty"`
}

type AddCustomItemRequest struct {
	Description string          `json:"description" validate:"required,max=200"`
	Qty         decimal.Decimal `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type DiscountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type AssignCustomerRequest struct {
	CustomerID *int64 `json:"customer_id,omitempty"`
	VehicleID  *int64 `json:"vehicle_id,omitempty"`
}

type VoidRequest struct {
	Reason     string `json:"reason" validate:"max=200"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

// VoidOptions carries the caller's authority for a void. Reversing a PAID
// invoice requires ManagerApproved.
type VoidOptions struct {
	Reason          string
	ManagerApproved bool
}

type ProductCreateRequest struct {
	SKU          string          `json:"sku" validate:"required,max=64"`
	Barcode      string          `json:"barcode,omitempty" validate:"max=64"`
	Name         string          `json:"name" validate:"required,max=160"`
	Category     string          `json:"category" validate:"max=64"`
	Unit         string          `json:"unit" validate:"max=16"`
	SellPrice    decimal.Decimal `json:"sell_price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	InitialStock decimal.Decimal `json:"initial_stock"`
	MinStock     decimal.Decimal `json:"min_stock"`
	MaxStock     decimal.Decimal `json:"max_stock"`
	IsBulk       bool            `json:"is_bulk"`
}

type ProductUpdateRequest struct {
	Name      *string          `json:"name,omitempty" validate:"omitempty,min=1,max=160"`
	Category  *string          `json:"category,omitempty" validate:"omitempty,max=64"`
	Unit      *string          `json:"unit,omitempty" validate:"omitempty,max=16"`
	Barcode   *string          `json:"barcode,omitempty" validate:"omitempty,max=64"`
	SellPrice *decimal.Decimal `json:"sell_price,omitempty"`
	CostPrice *decimal.Decimal `json:"cost_price,omitempty"`
	MinStock  *decimal.Decimal `json:"min_stock,omitempty"`
	MaxStock  *decimal.Decimal `json:"max_stock,omitempty"`
	IsBulk    *bool            `json:"is_bulk,omitempty"`
}

type StockAdjustRequest struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason" validate:"required,max=200"`
}

type StockReceiveRequest struct {
	Qty             decimal.Decimal  `json:"qty"`
	UnitCost        *decimal.Decimal `json:"unit_cost,omitempty"`
	PurchaseOrderID *int64           `json:"purchase_order_id,omitempty"`
	Notes           string           `json:"notes,omitempty" validate:"max=200"`
}

type WasteRequest struct {
	Qty    decimal.Decimal `json:"qty"`
	Reason string          `json:"reason" validate:"required,max=200"`
}

type CustomerCreateRequest struct {
	Name        string          `json:"name" validate:"required,max=160"`
	Phone       string          `json:"phone,omitempty" validate:"max=32"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=6,max=128"`
	Role     string `json:"role" validate:"required,oneof=cashier technician"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is the persistence model for login credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
