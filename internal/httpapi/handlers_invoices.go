package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"lubesoft/backend/internal/domain"
)

func (a *API) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateInvoiceRequest
	if !a.decode(w, r, &req) {
		return
	}
	inv, err := a.service.CreateInvoice(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"invoice": inv})
}

// handleListInvoices serves GET /invoices?status=HELD&limit=50.
func (a *API) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, errors.New("status query parameter is required"))
		return
	}
	status, err := domain.ParseStatus(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)

	invoices, err := a.service.FindByStatus(r.Context(), status, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := a.service.GetInvoice(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.AddItemRequest
	if !a.decode(w, r, &req) {
		return
	}
	item, err := a.service.AddItem(r.Context(), id, req.ProductID, req.Qty)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondWithInvoice(w, r, id, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleAddCustomItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.AddCustomItemRequest
	if !a.decode(w, r, &req) {
		return
	}
	item, err := a.service.AddCustomItem(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondWithInvoice(w, r, id, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	inv, err := a.service.RemoveItem(r.Context(), id, itemID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleHold(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := a.service.Hold(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := a.service.Resume(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.DiscountRequest
	if !a.decode(w, r, &req) {
		return
	}
	inv, err := a.service.ApplyDiscount(r.Context(), id, req.Amount)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleAssignCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.AssignCustomerRequest
	if !a.decode(w, r, &req) {
		return
	}
	inv, err := a.service.AssignCustomer(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.Payment
	if !a.decode(w, r, &req) {
		return
	}
	inv, err := a.service.Checkout(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv, "change": inv.Change()})
}

// handleVoid cancels an invoice. A manager PIN, when sent, must be valid;
// voiding a PAID invoice without one is refused by the service. Only
// requests that carry a PIN count toward the PIN attempt limit. The body
// may be left out entirely.
func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.VoidRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}

	opts := domain.VoidOptions{Reason: req.Reason}
	if strings.TrimSpace(req.ManagerPIN) == "" {
		a.void(w, r, id, opts)
		return
	}
	a.pinLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
			writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
		opts.ManagerApproved = true
		a.void(w, r, id, opts)
	})).ServeHTTP(w, r)
}

func (a *API) void(w http.ResponseWriter, r *http.Request, id int64, opts domain.VoidOptions) {
	inv, err := a.service.Void(r.Context(), id, opts)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

// respondWithInvoice writes extra together with the invoice's fresh state.
func (a *API) respondWithInvoice(w http.ResponseWriter, r *http.Request, invoiceID int64, status int, extra map[string]any) {
	inv, err := a.service.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	extra["invoice"] = inv
	writeJSON(w, status, extra)
}
