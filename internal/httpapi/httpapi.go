package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"

	"lubesoft/backend/internal/domain"
	"lubesoft/backend/internal/logging"
	"lubesoft/backend/internal/metrics"
	"lubesoft/backend/internal/service"
)

const maxBodyBytes = 1 << 20

var (
	anyRole     = []string{domain.RoleAdmin, domain.RoleCashier, domain.RoleTechnician}
	counterRole = []string{domain.RoleAdmin, domain.RoleCashier}
	adminRole   = []string{domain.RoleAdmin}
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	metrics       *metrics.Metrics
	log           logrus.FieldLogger
	validate      *validator.Validate
	secure        *secure.Secure
	loginLimit    func(http.Handler) http.Handler
	// pinLimit wraps only requests that carry a manager PIN.
	pinLimit      func(http.Handler) http.Handler
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, m *metrics.Metrics, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		metrics:       m,
		log:           logger,
		validate:      validator.New(),
		secure: secure.New(secure.Options{
			FrameDeny:             true,
			ContentTypeNosniff:    true,
			BrowserXssFilter:      true,
			ReferrerPolicy:        "strict-origin-when-cross-origin",
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		}),
		loginLimit: attemptLimiter(5, "too many login attempts"),
		pinLimit:   attemptLimiter(8, "too many manager PIN attempts"),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.metrics.Middleware)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(a.secureHeaders)
	r.Use(a.cors)
	r.Use(limitBody)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	r.With(a.loginLimit).Post("/api/v1/auth/login", a.handleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Route("/products", func(r chi.Router) {
			r.With(requireRole(anyRole...)).Get("/", a.handleListProducts)
			r.With(requireRole(adminRole...)).Post("/", a.handleCreateProduct)
			r.With(requireRole(adminRole...)).Get("/low-stock", a.handleLowStock)
			r.With(requireRole(anyRole...)).Get("/barcode/{barcode}", a.handleProductByBarcode)
			r.Route("/{id}", func(r chi.Router) {
				r.With(requireRole(anyRole...)).Get("/", a.handleGetProduct)
				r.Group(func(r chi.Router) {
					r.Use(requireRole(adminRole...))
					r.Patch("/", a.handleUpdateProduct)
					r.Post("/adjustments", a.handleAdjustStock)
					r.Post("/receipts", a.handleReceiveStock)
					r.Post("/waste", a.handleRecordWaste)
					r.Get("/stock-transactions", a.handleStockTransactions)
				})
			})
		})
		r.With(requireRole(adminRole...)).Get("/reorder-suggestions", a.handleReorderSuggestions)

		r.Route("/customers", func(r chi.Router) {
			r.Use(requireRole(counterRole...))
			r.Get("/", a.handleListCustomers)
			r.Post("/", a.handleCreateCustomer)
			r.Get("/balances", a.handleCustomerBalances)
			r.Get("/{id}", a.handleGetCustomer)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.With(requireRole(anyRole...)).Post("/", a.handleCreateInvoice)
			r.With(requireRole(anyRole...)).Get("/", a.handleListInvoices)
			r.Route("/{id}", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(requireRole(anyRole...))
					r.Get("/", a.handleGetInvoice)
					r.Post("/items", a.handleAddItem)
					r.Post("/custom-items", a.handleAddCustomItem)
					r.Delete("/items/{itemID}", a.handleRemoveItem)
					r.Post("/hold", a.handleHold)
					r.Post("/resume", a.handleResume)
					r.Post("/customer", a.handleAssignCustomer)
				})
				r.Group(func(r chi.Router) {
					r.Use(requireRole(counterRole...))
					r.Post("/discount", a.handleDiscount)
					r.Post("/checkout", a.handleCheckout)
					r.Post("/void", a.handleVoid)
				})
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(requireRole(adminRole...))
			r.Get("/", a.handleListUsers)
			r.Post("/", a.handleCreateUser)
		})
	})

	return r
}

// attemptLimiter caps requests per client IP per minute. Limiters live on
// the API so every Handler built from it shares the same counters.
func attemptLimiter(max int, message string) func(http.Handler) http.Handler {
	return httprate.Limit(max, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, errors.New(message))
		}),
	)
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := service.ActorFromContext(r.Context())
			if !ok || !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.secure.Process(w, r); err != nil {
			a.log.WithError(err).Warn("secure headers blocked request")
			writeError(w, http.StatusBadRequest, errors.New("request blocked"))
			return
		}
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		recorder := &metrics.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		a.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      recorder.Status,
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("http request")
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !a.decode(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInactiveAccount) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		a.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context())})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if !a.decode(w, r, &req) {
		return
	}

	user, err := a.auth.CreateUser(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	case errors.Is(err, ErrUserExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ErrInvalidUser):
		writeError(w, http.StatusBadRequest, err)
	default:
		a.writeInternal(w, err)
	}
}

// decode reads a JSON body into dest and validates it. On failure it writes
// the 400 response and returns false.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	return a.decodeBody(w, r, dest, false)
}

// decodeOptional is decode for endpoints whose body may be left out; an
// empty body leaves dest at its zero value.
func (a *API) decodeOptional(w http.ResponseWriter, r *http.Request, dest any) bool {
	return a.decodeBody(w, r, dest, true)
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dest any, optional bool) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !(optional && errors.Is(err, io.EOF)) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make(map[string]string, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
			return false
		}
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// writeServiceError maps the service error taxonomy to HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var (
		ve *service.ValidationError
		pe *service.PreconditionError
		te *service.TransactionalError
	)
	switch {
	case errors.As(err, &ve) && service.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &pe):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &te):
		logging.LogError(a.log, "service", te.Op, nil, err)
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		a.writeInternal(w, err)
	}
}

func (a *API) writeInternal(w http.ResponseWriter, err error) {
	logging.LogError(a.log, "httpapi", "writeInternal", nil, err)
	writeError(w, http.StatusInternalServerError, err)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid "+param))
		return 0, false
	}
	return id, true
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError writes a JSON error body. 5xx responses never carry the
// underlying error text.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = strings.ToLower(http.StatusText(status))
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
