// Package httpapi serves the marketplace integration's HTTP surface: the
// public signup page and login flow, the operator console, the JSON console
// API, and the Pub/Sub push intake.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/coleymr/doit-easily-marketplace/internal/events"
	"github.com/coleymr/doit-easily-marketplace/internal/marketauth"
	"github.com/coleymr/doit-easily-marketplace/internal/marketplace"
	"github.com/coleymr/doit-easily-marketplace/internal/metrics"
	"github.com/coleymr/doit-easily-marketplace/internal/procurement"
	"github.com/coleymr/doit-easily-marketplace/internal/signup"
	"github.com/coleymr/doit-easily-marketplace/internal/storage"
	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// loginSuccessMessage is returned verbatim to the signup page once the
// account approval goes through.
const loginSuccessMessage = "Your account has been approved. You can close this window."

const (
	maxLoginBody        = 64 << 10
	maxNotificationBody = 1 << 20
	recentEventLimit    = 20
)

// Login rate limit applied per client address when the config leaves it
// unset.
const (
	defaultLoginPerMinute = 30
	defaultLoginBurst     = 10
)

// ProcurementAPI is the slice of the procurement client the HTTP surface
// uses.
type ProcurementAPI interface {
	GetAccount(ctx context.Context, accountID string) (*marketplace.Account, error)
	ApproveAccount(ctx context.Context, accountID string) error
	ResetAccount(ctx context.Context, accountID string) error
	ListAccounts(ctx context.Context) ([]marketplace.Account, error)
	ApproveEntitlement(ctx context.Context, entitlementID string) error
	RejectEntitlement(ctx context.Context, entitlementID, reason string) error
	ListEntitlements(ctx context.Context, state, accountID string) ([]marketplace.Entitlement, error)
}

// TokenVerifier validates a marketplace registration token and returns the
// procurement account id it was issued for.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// EventSink consumes Pub/Sub push delivery bodies.
type EventSink interface {
	Handle(ctx context.Context, body []byte) (events.Disposition, error)
}

// Config assembles the HTTP handler.
type Config struct {
	Procurement ProcurementAPI
	Verifier    TokenVerifier
	Events      EventSink
	// Customers receives a record for each approved signup when set.
	Customers storage.CustomerStore
	// EventLog feeds the console's recent-event listing when set.
	EventLog storage.EventStore
	// AutoApproveEntitlements approves the account's pending entitlements
	// right after a successful login.
	AutoApproveEntitlements bool
	// LoginPerMinute and LoginBurst tune the per-address login rate limit.
	LoginPerMinute int
	LoginBurst     int
	Logger         *logger.Logger
}

type handler struct {
	procurement ProcurementAPI
	verifier    TokenVerifier
	events      EventSink
	customers   storage.CustomerStore
	eventLog    storage.EventStore
	autoApprove bool
	log         *logger.Logger
}

// NewHandler validates the config and returns the fully wired HTTP surface:
// router, request id propagation, access logging, metrics instrumentation,
// and the login rate limit.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Procurement == nil {
		return nil, fmt.Errorf("httpapi: procurement client is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("httpapi: token verifier is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("httpapi: event handler is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	perMinute := cfg.LoginPerMinute
	if perMinute <= 0 {
		perMinute = defaultLoginPerMinute
	}
	burst := cfg.LoginBurst
	if burst <= 0 {
		burst = defaultLoginBurst
	}

	h := &handler{
		procurement: cfg.Procurement,
		verifier:    cfg.Verifier,
		events:      cfg.Events,
		customers:   cfg.Customers,
		eventLog:    cfg.EventLog,
		autoApprove: cfg.AutoApproveEntitlements,
		log:         log,
	}

	r := mux.NewRouter()

	loginLimited := newIPLimiter(perMinute, burst, log).Wrap(http.HandlerFunc(h.login))
	r.Handle("/login", loginLimited).Methods("POST")
	r.Handle("/activate", loginLimited).Methods("POST")
	r.HandleFunc("/signup", h.register).Methods("GET")
	r.HandleFunc("/registration", h.register).Methods("GET")

	r.HandleFunc("/app", h.entitlements).Methods("GET")
	r.HandleFunc("/accounts", h.accounts).Methods("GET")
	r.HandleFunc("/app/account/{account}", h.showAccount).Methods("GET")

	r.HandleFunc("/v1/entitlements", h.listEntitlements).Methods("GET")
	r.HandleFunc("/v1/entitlement/{entitlement}/approve", h.entitlementApprove).Methods("POST")
	r.HandleFunc("/v1/entitlement/{entitlement}/reject", h.entitlementReject).Methods("POST")
	r.HandleFunc("/v1/account/{account}/approve", h.accountApprove).Methods("POST")
	r.HandleFunc("/v1/account/{account}/reset", h.accountReset).Methods("POST")
	r.HandleFunc("/v1/events", h.listEvents).Methods("GET")
	r.HandleFunc("/v1/customers", h.listCustomers).Methods("GET")
	r.HandleFunc("/v1/notification", h.notification).Methods("POST")

	r.HandleFunc("/alive", h.alive).Methods("GET")
	r.HandleFunc("/healthz", h.healthz).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	var wrapped http.Handler = r
	wrapped = metrics.InstrumentHandler(wrapped)
	wrapped = loggingMiddleware(log)(wrapped)
	wrapped = requestIDMiddleware(wrapped)
	return wrapped, nil
}

// login validates the registration token and approves the procurement
// account it names. The response body is shown verbatim by the signup page,
// so rejection bodies stay terse.
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.WithContext(ctx)

	token, fields := loginSubmission(r)
	log.WithField("token_present", token != "").Debug("processing login token")

	accountID, err := h.verifier.Verify(ctx, token)
	if err != nil {
		reason := marketauth.ReasonInvalid
		var authErr *marketauth.Error
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		log.WithError(err).Error("login token rejected")
		metrics.RecordLogin("rejected_token")
		writeText(w, http.StatusUnauthorized, string(reason))
		return
	}

	log = log.WithField("account_id", accountID)
	log.Debug("approving account")
	if err := h.procurement.ApproveAccount(ctx, accountID); err != nil {
		log.WithError(err).Error("approving account failed")
		metrics.RecordLogin("error")
		jsonError(w, "Failed to approve account", http.StatusInternalServerError)
		return
	}
	log.Info("procurement api approve complete")

	h.recordSignup(ctx, accountID, fields)
	if h.autoApprove {
		h.approvePendingEntitlements(ctx, accountID)
	}

	metrics.RecordLogin("approved")
	writeText(w, http.StatusOK, loginSuccessMessage)
}

// loginSubmission pulls the registration token and any contact fields out of
// a login request. Two body shapes arrive here: the marketplace autopost and
// the signup page send a form with an x-gcp-marketplace-token field, and API
// clients send JSON with the token under regToken.
func loginSubmission(r *http.Request) (string, map[string]string) {
	fields := make(map[string]string)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody))
		if err != nil {
			return "", fields
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fields
		}
		token, _ := payload[signup.RegTokenKey].(string)
		for key, value := range payload {
			if key == signup.RegTokenKey {
				continue
			}
			if s, ok := value.(string); ok {
				fields[key] = s
			}
		}
		return token, fields
	}

	if err := r.ParseForm(); err != nil {
		return "", fields
	}
	for key, values := range r.PostForm {
		if key == signup.TokenParam || len(values) == 0 {
			continue
		}
		fields[key] = values[0]
	}
	return r.PostFormValue(signup.TokenParam), fields
}

// recordSignup stores or refreshes the customer record for an approved
// account. Contact fields only overwrite when the submission carried them.
func (h *handler) recordSignup(ctx context.Context, accountID string, fields map[string]string) {
	if h.customers == nil {
		return
	}
	log := h.log.WithContext(ctx).WithField("account_id", accountID)

	customer := storage.Customer{AccountID: accountID}
	existing, err := h.customers.GetCustomer(ctx, accountID)
	switch {
	case err == nil:
		customer = existing
	case errors.Is(err, storage.ErrNotFound):
	default:
		log.WithError(err).Warn("customer lookup failed")
	}
	if v := fields["email"]; v != "" {
		customer.Email = v
	}
	if v := fields["company"]; v != "" {
		customer.Company = v
	}
	now := time.Now().UTC()
	customer.ApprovedAt = &now

	if _, err := h.customers.UpsertCustomer(ctx, customer); err != nil {
		log.WithError(err).Warn("failed to store customer")
	}
}

// approvePendingEntitlements approves every entitlement waiting on the
// account. Failures are logged and skipped; the login already succeeded and
// the sweeper retries stragglers.
func (h *handler) approvePendingEntitlements(ctx context.Context, accountID string) {
	log := h.log.WithContext(ctx).WithField("account_id", accountID)

	pending, err := h.procurement.ListEntitlements(ctx, "", accountID)
	if err != nil {
		log.WithError(err).Error("error approving entitlements")
		return
	}
	approved := 0
	for i := range pending {
		id := pending[i].ID()
		log.WithField("entitlement_id", id).Info("approving entitlement")
		if err := h.procurement.ApproveEntitlement(ctx, id); err != nil {
			log.WithError(err).WithField("entitlement_id", id).Error("error approving entitlements")
			continue
		}
		approved++
	}
	log.WithField("count", approved).Info("approved entitlements")
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	token := signup.ExtractToken(r.URL.RawQuery)
	h.log.WithContext(r.Context()).Debug("loading signup page")
	h.renderHTML(w, r, http.StatusOK, "signup.html", signupPage{Token: token})
}

func (h *handler) entitlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := marketplace.NormalizeFilterState(r.URL.Query().Get("state"))

	listed, err := h.procurement.ListEntitlements(ctx, state, "")
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Error("error loading entitlements")
		jsonError(w, "Loading failed", http.StatusInternalServerError)
		return
	}

	var recent []storage.EventRecord
	if h.eventLog != nil {
		if recent, err = h.eventLog.ListRecentEvents(ctx, recentEventLimit); err != nil {
			h.log.WithContext(ctx).WithError(err).Warn("error loading recent events")
		}
	}

	h.renderHTML(w, r, http.StatusOK, "index.html", indexPage{
		Nav:          nav{TooltipTitle: "Entitlement Requests"},
		State:        state,
		States:       marketplace.FilterStates,
		Entitlements: entitlementRows(listed),
		Events:       eventRows(recent),
	})
}

func (h *handler) accounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	listed, err := h.procurement.ListAccounts(ctx)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Error("error loading accounts")
		jsonError(w, "Loading failed", http.StatusInternalServerError)
		return
	}

	h.renderHTML(w, r, http.StatusOK, "accounts.html", accountsPage{
		Nav:      nav{TooltipTitle: "Non Approved Accounts"},
		Accounts: accountRows(listed),
	})
}

func (h *handler) showAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := mux.Vars(r)["account"]
	if accountID == "" {
		h.renderHTML(w, r, http.StatusBadRequest, "account.html", accountPage{Error: "No account ID provided"})
		return
	}

	account, err := h.procurement.GetAccount(ctx, accountID)
	switch {
	case errors.Is(err, procurement.ErrNotFound):
		h.renderHTML(w, r, http.StatusNotFound, "account.html", accountPage{Error: "Account not found"})
		return
	case err != nil:
		h.log.WithContext(ctx).WithError(err).WithField("account_id", accountID).Error("error loading account")
		jsonError(w, "Loading failed", http.StatusInternalServerError)
		return
	}

	page := accountDetail(account)
	page.Nav = nav{TooltipTitle: "Account " + account.ID(), TooltipURL: "/app"}
	h.renderHTML(w, r, http.StatusOK, "account.html", page)
}

func (h *handler) listEntitlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := marketplace.NormalizeFilterState(r.URL.Query().Get("state"))

	entitlements, err := h.procurement.ListEntitlements(ctx, state, "")
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Error("an exception occurred listing entitlements")
		jsonError(w, "Procurement API call failed", http.StatusInternalServerError)
		return
	}
	if entitlements == nil {
		entitlements = []marketplace.Entitlement{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entitlements": entitlements})
}

func (h *handler) entitlementApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entitlementID := mux.Vars(r)["entitlement"]
	if entitlementID == "" {
		jsonError(w, "Missing entitlement ID", http.StatusBadRequest)
		return
	}
	log := h.log.WithContext(ctx).WithField("entitlement_id", entitlementID)
	log.Info("approving entitlement")

	if err := h.procurement.ApproveEntitlement(ctx, entitlementID); err != nil {
		log.WithError(err).Error("approve failed")
		jsonError(w, "Approve failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (h *handler) entitlementReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entitlementID := mux.Vars(r)["entitlement"]
	if entitlementID == "" {
		jsonError(w, "Missing entitlement ID", http.StatusBadRequest)
		return
	}
	log := h.log.WithContext(ctx).WithField("entitlement_id", entitlementID)
	log.Info("rejecting entitlement")

	var payload struct {
		Reason *string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxLoginBody)).Decode(&payload); err != nil || payload.Reason == nil {
		jsonError(w, "Missing rejection reason", http.StatusBadRequest)
		return
	}

	if err := h.procurement.RejectEntitlement(ctx, entitlementID, *payload.Reason); err != nil {
		log.WithError(err).Error("reject failed")
		jsonError(w, "Reject failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (h *handler) accountApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := mux.Vars(r)["account"]
	if accountID == "" {
		jsonError(w, "Missing account ID", http.StatusBadRequest)
		return
	}
	log := h.log.WithContext(ctx).WithField("account_id", accountID)
	log.Info("approving account")

	if err := h.procurement.ApproveAccount(ctx, accountID); err != nil {
		log.WithError(err).Error("approve failed")
		jsonError(w, "Approve failed", http.StatusInternalServerError)
		return
	}
	log.Info("procurement api approve complete")
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (h *handler) accountReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := mux.Vars(r)["account"]
	if accountID == "" {
		jsonError(w, "Missing account ID", http.StatusBadRequest)
		return
	}
	log := h.log.WithContext(ctx).WithField("account_id", accountID)
	log.Info("resetting account")

	if err := h.procurement.ResetAccount(ctx, accountID); err != nil {
		log.WithError(err).Error("reset failed")
		jsonError(w, "Reset failed", http.StatusInternalServerError)
		return
	}
	log.Info("procurement api reset complete")
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := recentEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records := []storage.EventRecord{}
	if h.eventLog != nil {
		listed, err := h.eventLog.ListRecentEvents(ctx, limit)
		if err != nil {
			h.log.WithContext(ctx).WithError(err).Error("error listing events")
			jsonError(w, "Listing failed", http.StatusInternalServerError)
			return
		}
		if listed != nil {
			records = listed
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}

func (h *handler) listCustomers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	customers := []storage.Customer{}
	if h.customers != nil {
		listed, err := h.customers.ListCustomers(ctx)
		if err != nil {
			h.log.WithContext(ctx).WithError(err).Error("error listing customers")
			jsonError(w, "Listing failed", http.StatusInternalServerError)
			return
		}
		if listed != nil {
			customers = listed
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"customers": customers})
}

// notification accepts Pub/Sub push deliveries. Every delivery is
// acknowledged with 200 regardless of processing outcome so the
// subscription never redelivers what the handler has already classified.
func (h *handler) notification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody))
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("failed reading notification body")
	}

	disposition, err := h.events.Handle(ctx, body)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).WithField("disposition", disposition).Error("notification processing failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (h *handler) alive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) renderHTML(w http.ResponseWriter, r *http.Request, status int, name string, data interface{}) {
	page, err := renderPage(name, data)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).WithField("template", name).Error("template render failed")
		jsonError(w, "Loading failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(page)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
