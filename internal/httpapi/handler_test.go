package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coleymr/doit-easily-marketplace/internal/events"
	"github.com/coleymr/doit-easily-marketplace/internal/marketauth"
	"github.com/coleymr/doit-easily-marketplace/internal/marketplace"
	"github.com/coleymr/doit-easily-marketplace/internal/procurement"
	"github.com/coleymr/doit-easily-marketplace/internal/storage"
	"github.com/coleymr/doit-easily-marketplace/internal/storage/memory"
	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

const (
	testAccountID     = "a-1"
	testEntitlementID = "e-1"
	testToken         = "signed-token"
)

func quietLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

type fakeProcurement struct {
	mu sync.Mutex

	accounts     map[string]*marketplace.Account
	entitlements []marketplace.Entitlement

	listStates           []string
	listAccountFilters   []string
	approvedAccounts     []string
	resetAccounts        []string
	approvedEntitlements []string
	rejections           map[string]string

	listErr               error
	listAccountsErr       error
	getAccountErr         error
	approveAccountErr     error
	approveEntitlementErr error
	rejectErr             error
	resetErr              error
}

func newFakeProcurement() *fakeProcurement {
	return &fakeProcurement{
		accounts:   map[string]*marketplace.Account{},
		rejections: map[string]string{},
	}
}

func (f *fakeProcurement) GetAccount(_ context.Context, id string) (*marketplace.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getAccountErr != nil {
		return nil, f.getAccountErr
	}
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, procurement.ErrNotFound
}

func (f *fakeProcurement) ApproveAccount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveAccountErr != nil {
		return f.approveAccountErr
	}
	f.approvedAccounts = append(f.approvedAccounts, id)
	return nil
}

func (f *fakeProcurement) ResetAccount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resetAccounts = append(f.resetAccounts, id)
	return nil
}

func (f *fakeProcurement) ListAccounts(_ context.Context) ([]marketplace.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listAccountsErr != nil {
		return nil, f.listAccountsErr
	}
	out := make([]marketplace.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeProcurement) ApproveEntitlement(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveEntitlementErr != nil {
		return f.approveEntitlementErr
	}
	f.approvedEntitlements = append(f.approvedEntitlements, id)
	return nil
}

func (f *fakeProcurement) RejectEntitlement(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectErr != nil {
		return f.rejectErr
	}
	f.rejections[id] = reason
	return nil
}

func (f *fakeProcurement) ListEntitlements(_ context.Context, state, accountID string) ([]marketplace.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listStates = append(f.listStates, state)
	f.listAccountFilters = append(f.listAccountFilters, accountID)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entitlements, nil
}

type fakeVerifier struct {
	accountID string
	err       error
	tokens    []string
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return "", f.err
	}
	if token == "" {
		return "", &marketauth.Error{Reason: marketauth.ReasonMissingToken}
	}
	return f.accountID, nil
}

type fakeSink struct {
	bodies      [][]byte
	disposition events.Disposition
	err         error
}

func (f *fakeSink) Handle(_ context.Context, body []byte) (events.Disposition, error) {
	f.bodies = append(f.bodies, append([]byte(nil), body...))
	return f.disposition, f.err
}

func testEntitlement() marketplace.Entitlement {
	return marketplace.Entitlement{
		Name:       "providers/p/entitlements/" + testEntitlementID,
		Account:    "providers/p/accounts/" + testAccountID,
		Product:    "doit-easily.endpoints.doit-public.cloud.goog",
		Plan:       "plan-basic",
		State:      marketplace.EntitlementStateActivationRequested,
		UpdateTime: time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC),
	}
}

func testAccount(approvalState string) *marketplace.Account {
	return &marketplace.Account{
		Name:  "providers/p/accounts/" + testAccountID,
		State: "ACCOUNT_ACTIVE",
		Approvals: []marketplace.Approval{
			{Name: marketplace.ApprovalSignup, State: approvalState},
		},
		CreateTime: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

type fixture struct {
	handler     http.Handler
	procurement *fakeProcurement
	verifier    *fakeVerifier
	sink        *fakeSink
	store       *memory.Store
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		procurement: newFakeProcurement(),
		verifier:    &fakeVerifier{accountID: testAccountID},
		sink:        &fakeSink{disposition: events.DispositionProcessed},
		store:       memory.New(),
	}
	cfg := Config{
		Procurement: f.procurement,
		Verifier:    f.verifier,
		Events:      f.sink,
		Customers:   f.store,
		EventLog:    f.store,
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	f.handler = handler
	return f
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func (f *fixture) postJSON(t *testing.T, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) postForm(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not a JSON error: %v (%s)", err, rec.Body.String())
	}
	return body["error"]
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Fatal("expected error without procurement client")
	}
	if _, err := NewHandler(Config{Procurement: newFakeProcurement()}); err == nil {
		t.Fatal("expected error without verifier")
	}
	if _, err := NewHandler(Config{Procurement: newFakeProcurement(), Verifier: &fakeVerifier{}}); err == nil {
		t.Fatal("expected error without event handler")
	}
}

func TestSignupPageRendersGuardedForm(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/signup?x-gcp-marketplace-token="+testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `class="form-signup"`) {
		t.Error("signup form missing")
	}
	if !strings.Contains(body, `value="`+testToken+`"`) {
		t.Error("hidden token input missing")
	}
	if strings.Contains(body, "alert-danger") {
		t.Error("danger alert shown despite token present")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestSignupPageWithoutTokenShowsGuardAlert(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/registration")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "alert-danger") {
		t.Error("guard alert missing")
	}
	if strings.Contains(body, `class="form-signup"`) {
		t.Error("form rendered without a registration token")
	}
}

func TestLoginJSONApprovesAccountAndStoresCustomer(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.postJSON(t, "/login", `{"regToken":"`+testToken+`","email":"buyer@example.com","company":"Example Inc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != loginSuccessMessage {
		t.Errorf("body = %q, want %q", got, loginSuccessMessage)
	}
	if len(f.verifier.tokens) != 1 || f.verifier.tokens[0] != testToken {
		t.Errorf("verifier saw tokens %v", f.verifier.tokens)
	}
	if len(f.procurement.approvedAccounts) != 1 || f.procurement.approvedAccounts[0] != testAccountID {
		t.Errorf("approved accounts = %v", f.procurement.approvedAccounts)
	}

	customer, err := f.store.GetCustomer(context.Background(), testAccountID)
	if err != nil {
		t.Fatalf("customer not stored: %v", err)
	}
	if customer.Email != "buyer@example.com" || customer.Company != "Example Inc" {
		t.Errorf("customer = %+v", customer)
	}
	if customer.ApprovedAt == nil {
		t.Error("ApprovedAt not set")
	}
}

func TestLoginAcceptsMarketplaceFormPost(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.postForm(t, "/activate", url.Values{"x-gcp-marketplace-token": {testToken}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != loginSuccessMessage {
		t.Errorf("body = %q, want %q", got, loginSuccessMessage)
	}
	if len(f.verifier.tokens) != 1 || f.verifier.tokens[0] != testToken {
		t.Errorf("verifier saw tokens %v", f.verifier.tokens)
	}
}

func TestLoginWithoutTokenReturnsReason(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.postForm(t, "/login", url.Values{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Body.String(); got != string(marketauth.ReasonMissingToken) {
		t.Errorf("body = %q, want %q", got, marketauth.ReasonMissingToken)
	}
	if len(f.procurement.approvedAccounts) != 0 {
		t.Error("account approved despite missing token")
	}
}

func TestLoginReturnsVerifierReasonVerbatim(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Verifier = &fakeVerifier{err: &marketauth.Error{Reason: marketauth.ReasonAudience}}
	})

	rec := f.postForm(t, "/login", url.Values{"x-gcp-marketplace-token": {testToken}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Body.String(); got != string(marketauth.ReasonAudience) {
		t.Errorf("body = %q, want %q", got, marketauth.ReasonAudience)
	}
}

func TestLoginApproveFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.approveAccountErr = errors.New("backend down")

	rec := f.postForm(t, "/login", url.Values{"x-gcp-marketplace-token": {testToken}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorBody(t, rec); got != "Failed to approve account" {
		t.Errorf("error = %q", got)
	}
}

func TestLoginAutoApprovesPendingEntitlements(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AutoApproveEntitlements = true
	})
	f.procurement.entitlements = []marketplace.Entitlement{testEntitlement()}

	rec := f.postForm(t, "/login", url.Values{"x-gcp-marketplace-token": {testToken}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if len(f.procurement.approvedEntitlements) != 1 || f.procurement.approvedEntitlements[0] != testEntitlementID {
		t.Errorf("approved entitlements = %v", f.procurement.approvedEntitlements)
	}
	if got := f.procurement.listAccountFilters; len(got) != 1 || got[0] != testAccountID {
		t.Errorf("entitlements listed with account filters %v", got)
	}
}

func TestLoginEntitlementApprovalFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AutoApproveEntitlements = true
	})
	f.procurement.entitlements = []marketplace.Entitlement{testEntitlement()}
	f.procurement.approveEntitlementErr = errors.New("backend down")

	rec := f.postForm(t, "/login", url.Values{"x-gcp-marketplace-token": {testToken}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != loginSuccessMessage {
		t.Errorf("body = %q, want %q", got, loginSuccessMessage)
	}
}

func TestLoginRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.LoginPerMinute = 1
		cfg.LoginBurst = 1
	})

	form := url.Values{"x-gcp-marketplace-token": {testToken}}
	if rec := f.postForm(t, "/login", form); rec.Code != http.StatusOK {
		t.Fatalf("first login status = %d, want 200", rec.Code)
	}
	rec := f.postForm(t, "/login", form)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second login status = %d, want 429", rec.Code)
	}
	if got := errorBody(t, rec); got != "Too many requests" {
		t.Errorf("error = %q", got)
	}
}

func TestListEntitlementsPassesStateFilter(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.entitlements = []marketplace.Entitlement{testEntitlement()}

	rec := f.get(t, "/v1/entitlements?state=ACTIVE")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := f.procurement.listStates; len(got) != 1 || got[0] != "ACTIVE" {
		t.Errorf("list states = %v", got)
	}
	var body struct {
		Entitlements []marketplace.Entitlement `json:"entitlements"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entitlements) != 1 || body.Entitlements[0].Name != "providers/p/entitlements/"+testEntitlementID {
		t.Errorf("entitlements = %+v", body.Entitlements)
	}
}

func TestListEntitlementsUnknownStateFallsBack(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/v1/entitlements?state=NOT_A_STATE")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := f.procurement.listStates; len(got) != 1 || got[0] != marketplace.DefaultFilterState {
		t.Errorf("list states = %v, want [%s]", got, marketplace.DefaultFilterState)
	}
}

func TestListEntitlementsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.listErr = errors.New("backend down")

	rec := f.get(t, "/v1/entitlements")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorBody(t, rec); got != "Procurement API call failed" {
		t.Errorf("error = %q", got)
	}
}

func TestEntitlementApprove(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.postJSON(t, "/v1/entitlement/"+testEntitlementID+"/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Errorf("body = %q, want {}", rec.Body.String())
	}
	if got := f.procurement.approvedEntitlements; len(got) != 1 || got[0] != testEntitlementID {
		t.Errorf("approved = %v", got)
	}
}

func TestEntitlementApproveFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.approveEntitlementErr = errors.New("backend down")

	rec := f.postJSON(t, "/v1/entitlement/"+testEntitlementID+"/approve", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorBody(t, rec); got != "Approve failed" {
		t.Errorf("error = %q", got)
	}
}

func TestEntitlementRejectRequiresReason(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{"", "{}", `{"note":"nope"}`} {
		rec := f.postJSON(t, "/v1/entitlement/"+testEntitlementID+"/reject", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
		if got := errorBody(t, rec); got != "Missing rejection reason" {
			t.Errorf("body %q: error = %q", body, got)
		}
	}
	if len(f.procurement.rejections) != 0 {
		t.Errorf("rejections = %v", f.procurement.rejections)
	}
}

func TestEntitlementReject(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.postJSON(t, "/v1/entitlement/"+testEntitlementID+"/reject", `{"reason":"not a fit"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if got := f.procurement.rejections[testEntitlementID]; got != "not a fit" {
		t.Errorf("rejection reason = %q", got)
	}
}

func TestAccountApproveAndReset(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.postJSON(t, "/v1/account/"+testAccountID+"/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", rec.Code)
	}
	if got := f.procurement.approvedAccounts; len(got) != 1 || got[0] != testAccountID {
		t.Errorf("approved accounts = %v", got)
	}

	rec = f.postJSON(t, "/v1/account/"+testAccountID+"/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", rec.Code)
	}
	if got := f.procurement.resetAccounts; len(got) != 1 || got[0] != testAccountID {
		t.Errorf("reset accounts = %v", got)
	}
}

func TestAccountApproveFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.approveAccountErr = errors.New("backend down")

	rec := f.postJSON(t, "/v1/account/"+testAccountID+"/approve", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorBody(t, rec); got != "Approve failed" {
		t.Errorf("error = %q", got)
	}
}

func TestNotificationAlwaysAcknowledges(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.disposition = events.DispositionError
	f.sink.err = errors.New("processing blew up")

	rec := f.postJSON(t, "/v1/notification", `{"message":{"data":"garbage"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Errorf("body = %q, want {}", rec.Body.String())
	}
	if len(f.sink.bodies) != 1 || !strings.Contains(string(f.sink.bodies[0]), "garbage") {
		t.Errorf("sink bodies = %v", f.sink.bodies)
	}
}

func TestAppPageRendersEntitlements(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.entitlements = []marketplace.Entitlement{testEntitlement()}

	rec := f.get(t, "/app?state=NOT_A_STATE")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := f.procurement.listStates; len(got) != 1 || got[0] != marketplace.DefaultFilterState {
		t.Errorf("list states = %v, want fallback to %s", got, marketplace.DefaultFilterState)
	}
	body := rec.Body.String()
	if !strings.Contains(body, testEntitlementID) || !strings.Contains(body, "plan-basic") {
		t.Error("entitlement row missing")
	}
	if !strings.Contains(body, "Entitlement Requests") {
		t.Error("nav tooltip missing")
	}
}

func TestAppPageShowsRecentEvents(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.store.RecordEvent(context.Background(), storage.EventRecord{
		EventID:       "evt-9",
		EventType:     marketplace.EventActive,
		EntitlementID: testEntitlementID,
		Disposition:   "published",
	}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	rec := f.get(t, "/app")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "evt-9") {
		t.Error("recent event missing from console")
	}
}

func TestAccountsPage(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.accounts[testAccountID] = testAccount(marketplace.ApprovalStatePending)

	rec := f.get(t, "/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, testAccountID) || !strings.Contains(body, marketplace.ApprovalStatePending) {
		t.Error("account row missing")
	}
	if !strings.Contains(body, "Non Approved Accounts") {
		t.Error("nav tooltip missing")
	}
}

func TestShowAccount(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.accounts[testAccountID] = testAccount(marketplace.ApprovalStateApproved)

	rec := f.get(t, "/app/account/"+testAccountID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Account "+testAccountID) {
		t.Error("account heading missing")
	}
	if !strings.Contains(body, "This account is approved.") {
		t.Error("approval banner missing")
	}
}

func TestShowAccountNotFound(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/app/account/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Account not found") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestShowAccountBackendFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.procurement.getAccountErr = errors.New("backend down")

	rec := f.get(t, "/app/account/"+testAccountID)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorBody(t, rec); got != "Loading failed" {
		t.Errorf("error = %q", got)
	}
}

func TestListEventsAndCustomers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.store.RecordEvent(ctx, storage.EventRecord{EventID: "evt-1", EventType: marketplace.EventActive, Disposition: "published"}); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if _, err := f.store.UpsertCustomer(ctx, storage.Customer{AccountID: testAccountID, Email: "buyer@example.com"}); err != nil {
		t.Fatalf("upsert customer: %v", err)
	}

	rec := f.get(t, "/v1/events?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d, want 200", rec.Code)
	}
	var eventsBody struct {
		Events []storage.EventRecord `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &eventsBody); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(eventsBody.Events) != 1 || eventsBody.Events[0].EventID != "evt-1" {
		t.Errorf("events = %+v", eventsBody.Events)
	}

	rec = f.get(t, "/v1/customers")
	if rec.Code != http.StatusOK {
		t.Fatalf("customers status = %d, want 200", rec.Code)
	}
	var customersBody struct {
		Customers []storage.Customer `json:"customers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &customersBody); err != nil {
		t.Fatalf("decode customers: %v", err)
	}
	if len(customersBody.Customers) != 1 || customersBody.Customers[0].AccountID != testAccountID {
		t.Errorf("customers = %+v", customersBody.Customers)
	}
}

func TestAliveAndHealthz(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/alive")
	if rec.Code != http.StatusOK {
		t.Fatalf("alive status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("alive body = %q, want empty", rec.Body.String())
	}

	rec = f.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "doit_easily") {
		t.Error("metrics exposition missing app namespace")
	}
}
