// Package procurement is a typed client for the Cloud Commerce Partner
// Procurement API, covering the account and entitlement operations a
// marketplace provider performs.
//
// The partner API enforces a strict quota, so every call passes a shared
// client-side limiter of 15 calls per 15 minutes, and transient failures are
// retried with exponential backoff for up to 8 attempts.
package procurement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"github.com/coleymr/doit-easily-marketplace/internal/marketplace"
	"github.com/coleymr/doit-easily-marketplace/internal/metrics"
	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// DefaultBaseURL is the public procurement endpoint.
const DefaultBaseURL = "https://cloudcommerceprocurement.googleapis.com/v1"

// CloudPlatformScope is the OAuth scope the procurement API requires.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodySize  = 1 << 20
	defaultMaxTries     = 8
	quotaCalls          = 15
	quotaWindow         = 15 * time.Minute
	defaultRetryInitial = 500 * time.Millisecond
)

// ErrNotFound marks a 404 from the procurement service: the resource was
// deleted or never existed.
var ErrNotFound = errors.New("procurement: resource not found")

// Config configures the procurement client.
type Config struct {
	// Project is the provider project id resources are named under.
	// Required.
	Project string
	// BaseURL overrides the API endpoint, used by tests. Defaults to
	// DefaultBaseURL.
	BaseURL string
	// TokenSource supplies OAuth access tokens. Nil sends unauthenticated
	// requests, which only makes sense against a fake endpoint.
	TokenSource oauth2.TokenSource
	// HTTPClient executes requests. Defaults to a client with a
	// conservative timeout.
	HTTPClient *http.Client
	// MaxBodyBytes caps response bodies.
	MaxBodyBytes int64
	// MaxTries bounds attempts per call including the first. Defaults to 8.
	MaxTries uint64
	// RetryInitialInterval seeds the backoff schedule; tests shrink it.
	RetryInitialInterval time.Duration
	Logger               *logger.Logger
}

// Client calls the procurement API on behalf of one provider project.
type Client struct {
	baseURL      string
	project      string
	httpClient   *http.Client
	tokens       oauth2.TokenSource
	limiter      *rate.Limiter
	maxBodyBytes int64
	maxTries     uint64
	retryInitial time.Duration
	log          *logger.Logger
}

// DefaultTokenSource resolves Application Default Credentials with the
// cloud-platform scope. On GCE and Cloud Run this falls through to the
// metadata server automatically.
func DefaultTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	return google.DefaultTokenSource(ctx, CloudPlatformScope)
}

// New validates the config and builds a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Project) == "" {
		return nil, fmt.Errorf("procurement: Project is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("procurement: BaseURL must be a valid URL")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodySize
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = defaultMaxTries
	}
	retryInitial := cfg.RetryInitialInterval
	if retryInitial <= 0 {
		retryInitial = defaultRetryInitial
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("procurement")
	}

	return &Client{
		baseURL:      baseURL,
		project:      cfg.Project,
		httpClient:   client,
		tokens:       cfg.TokenSource,
		limiter:      rate.NewLimiter(rate.Every(quotaWindow/quotaCalls), quotaCalls),
		maxBodyBytes: maxBodyBytes,
		maxTries:     maxTries,
		retryInitial: retryInitial,
		log:          log,
	}, nil
}

// AccountName builds the full resource name for an account id.
func (c *Client) AccountName(accountID string) string {
	return fmt.Sprintf("providers/%s/accounts/%s", c.project, accountID)
}

// EntitlementName builds the full resource name for an entitlement id.
func (c *Client) EntitlementName(entitlementID string) string {
	return fmt.Sprintf("providers/%s/entitlements/%s", c.project, entitlementID)
}

// GetAccount fetches one account. A 404 yields ErrNotFound.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*marketplace.Account, error) {
	c.log.WithField("account_id", accountID).Debug("get account")
	data, err := c.do(ctx, "get_account", http.MethodGet, c.resourceURL(c.AccountName(accountID)), nil)
	if err != nil {
		return nil, err
	}
	return decodeAccount(data)
}

// ApproveAccount grants the signup approval on an account.
func (c *Client) ApproveAccount(ctx context.Context, accountID string) error {
	c.log.WithField("account_id", accountID).Debug("approve account")
	_, err := c.do(ctx, "approve_account", http.MethodPost, c.resourceURL(c.AccountName(accountID))+":approve",
		map[string]string{"approvalName": marketplace.ApprovalSignup})
	return err
}

// ResetAccount clears an account back to its unapproved state.
func (c *Client) ResetAccount(ctx context.Context, accountID string) error {
	c.log.WithField("account_id", accountID).Debug("reset account")
	_, err := c.do(ctx, "reset_account", http.MethodPost, c.resourceURL(c.AccountName(accountID))+":reset",
		map[string]string{})
	return err
}

// ListAccounts returns all accounts under the provider project, following
// pagination.
func (c *Client) ListAccounts(ctx context.Context) ([]marketplace.Account, error) {
	var accounts []marketplace.Account
	pageToken := ""
	for {
		endpoint := fmt.Sprintf("%s/providers/%s/accounts", c.baseURL, c.project)
		if pageToken != "" {
			endpoint += "?pageToken=" + url.QueryEscape(pageToken)
		}
		data, err := c.do(ctx, "list_accounts", http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Accounts      []json.RawMessage `json:"accounts"`
			NextPageToken string            `json:"nextPageToken"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("procurement: decode account list: %w", err)
		}
		for _, raw := range page.Accounts {
			account, err := decodeAccount(raw)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, *account)
		}
		if page.NextPageToken == "" {
			return accounts, nil
		}
		pageToken = page.NextPageToken
	}
}

// GetEntitlement fetches one entitlement. A 404 yields ErrNotFound.
func (c *Client) GetEntitlement(ctx context.Context, entitlementID string) (*marketplace.Entitlement, error) {
	c.log.WithField("entitlement_id", entitlementID).Debug("get entitlement")
	data, err := c.do(ctx, "get_entitlement", http.MethodGet, c.resourceURL(c.EntitlementName(entitlementID)), nil)
	if err != nil {
		return nil, err
	}
	return decodeEntitlement(data)
}

// ApproveEntitlement approves a pending entitlement.
func (c *Client) ApproveEntitlement(ctx context.Context, entitlementID string) error {
	c.log.WithField("entitlement_id", entitlementID).Debug("approve entitlement")
	_, err := c.do(ctx, "approve_entitlement", http.MethodPost, c.resourceURL(c.EntitlementName(entitlementID))+":approve",
		map[string]string{})
	return err
}

// RejectEntitlement rejects a pending entitlement with a reason shown to the
// customer.
func (c *Client) RejectEntitlement(ctx context.Context, entitlementID, reason string) error {
	c.log.WithField("entitlement_id", entitlementID).Debug("reject entitlement")
	_, err := c.do(ctx, "reject_entitlement", http.MethodPost, c.resourceURL(c.EntitlementName(entitlementID))+":reject",
		map[string]string{"reason": reason})
	return err
}

// ApprovePlanChange approves a pending plan change on an entitlement.
func (c *Client) ApprovePlanChange(ctx context.Context, entitlementID, pendingPlan string) error {
	c.log.WithFields(map[string]interface{}{
		"entitlement_id":   entitlementID,
		"new_pending_plan": pendingPlan,
	}).Debug("approve entitlement plan change")
	_, err := c.do(ctx, "approve_plan_change", http.MethodPost, c.resourceURL(c.EntitlementName(entitlementID))+":approvePlanChange",
		map[string]string{"pendingPlanName": pendingPlan})
	return err
}

// ListEntitlements returns entitlements filtered by state and optionally by
// account id, following pagination. An empty state applies the default
// ACTIVATION_REQUESTED filter.
func (c *Client) ListEntitlements(ctx context.Context, state, accountID string) ([]marketplace.Entitlement, error) {
	if state == "" {
		state = marketplace.DefaultFilterState
	}
	filter := "state=" + state
	if accountID != "" {
		filter += " account=" + accountID
	}

	var entitlements []marketplace.Entitlement
	pageToken := ""
	for {
		endpoint := fmt.Sprintf("%s/providers/%s/entitlements?filter=%s", c.baseURL, c.project, url.QueryEscape(filter))
		if pageToken != "" {
			endpoint += "&pageToken=" + url.QueryEscape(pageToken)
		}
		data, err := c.do(ctx, "list_entitlements", http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Entitlements  []json.RawMessage `json:"entitlements"`
			NextPageToken string            `json:"nextPageToken"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("procurement: decode entitlement list: %w", err)
		}
		for _, raw := range page.Entitlements {
			entitlement, err := decodeEntitlement(raw)
			if err != nil {
				return nil, err
			}
			entitlements = append(entitlements, *entitlement)
		}
		if page.NextPageToken == "" {
			return entitlements, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) resourceURL(name string) string {
	return c.baseURL + "/" + name
}

// do executes one API call under the shared quota limiter with backoff on
// transient failures. It returns the response body.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("procurement: encode request body: %w", err)
		}
	}

	var out []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("procurement: quota wait: %w", err))
		}

		var reqBody io.Reader = http.NoBody
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("procurement: create request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokens != nil {
			tok, err := c.tokens.Token()
			if err != nil {
				return fmt.Errorf("procurement: fetch access token: %w", err)
			}
			tok.SetAuthHeader(req)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("procurement: execute request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
		if err != nil {
			return fmt.Errorf("procurement: read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("procurement: %s: %s", resp.Status, summarize(data))
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("procurement: %s: %s", resp.Status, summarize(data)))
		}

		out = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxTries-1), ctx)); err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.RecordProcurement(op, "not_found")
		} else {
			metrics.RecordProcurement(op, "error")
			c.log.WithError(err).Error("procurement api call failed")
		}
		return nil, err
	}
	metrics.RecordProcurement(op, "ok")
	return out, nil
}

func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}

func decodeAccount(data []byte) (*marketplace.Account, error) {
	var account marketplace.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("procurement: decode account: %w", err)
	}
	account.Raw = append(json.RawMessage(nil), data...)
	return &account, nil
}

func decodeEntitlement(data []byte) (*marketplace.Entitlement, error) {
	var entitlement marketplace.Entitlement
	if err := json.Unmarshal(data, &entitlement); err != nil {
		return nil, fmt.Errorf("procurement: decode entitlement: %w", err)
	}
	entitlement.Raw = append(json.RawMessage(nil), data...)
	return &entitlement, nil
}
