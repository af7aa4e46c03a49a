package signup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// RegTokenKey is the submission body key carrying the registration token.
const RegTokenKey = "regToken"

// maxResponseBytes caps how much of a backend response is read for display.
const maxResponseBytes = 64 * 1024

const (
	missingTokenMessage     = "Registration token missing. Open this page from the Google Cloud Marketplace signup link and try again."
	transportFailureMessage = "The signup service could not be reached. Please try again."
)

// Policy selects the form variant. A guarding form requires the registration
// token and attaches it to the submission; a non-guarding form never attaches
// a regToken key at all.
type Policy struct {
	RequireToken bool
}

// Outcome classifies one submission attempt.
type Outcome string

// Submission outcomes. Blocked means the guard stopped the attempt before
// any network call; the other three describe what came back.
const (
	OutcomeBlocked        Outcome = "blocked"
	OutcomeAccepted       Outcome = "accepted"
	OutcomeRejected       Outcome = "rejected"
	OutcomeTransportError Outcome = "transport_error"
)

// Result reports what a submission attempt did. Exactly one alert is
// appended per attempt and returned here.
type Result struct {
	Outcome    Outcome
	StatusCode int    // zero when no response arrived
	Body       string // raw backend response body
	Alert      Alert
	Err        error // transport failure, nil otherwise
}

// Sent reports whether the attempt issued a network request.
func (r Result) Sent() bool {
	return r.Outcome != OutcomeBlocked
}

// Config collects the controller's dependencies.
type Config struct {
	Endpoint   string // login endpoint URL, required
	Policy     Policy
	HTTPClient *http.Client  // defaults to a client with Timeout
	Timeout    time.Duration // default request timeout, 15s when zero
	Alerts     *AlertLog     // defaults to a fresh log
	Logger     *logger.Logger
}

// Controller submits signup forms to the login endpoint. All collaborators
// are injected at construction; the controller keeps no hidden globals.
type Controller struct {
	endpoint string
	policy   Policy
	client   *http.Client
	alerts   *AlertLog
	log      *logger.Logger
}

// NewController validates the config and builds a controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("signup: endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("signup: invalid endpoint: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	alerts := cfg.Alerts
	if alerts == nil {
		alerts = &AlertLog{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("signup")
	}

	return &Controller{
		endpoint: cfg.Endpoint,
		policy:   cfg.Policy,
		client:   client,
		alerts:   alerts,
		log:      log,
	}, nil
}

// Alerts returns the alert log the controller appends to.
func (c *Controller) Alerts() *AlertLog {
	return c.alerts
}

// Submit runs one submission attempt: extract the token from rawQuery, apply
// the token policy, post the form as JSON, and append an alert for the
// outcome. A 2xx response appends a primary alert with the response body, a
// non-2xx response a danger alert, and a transport failure a warning alert.
func (c *Controller) Submit(ctx context.Context, form *Form, rawQuery string) Result {
	token := ExtractToken(rawQuery)

	if c.policy.RequireToken && token == "" {
		c.log.Warn("submission without registration token blocked")
		return c.finish(Result{Outcome: OutcomeBlocked}, SeverityDanger, missingTokenMessage)
	}

	payload := form.Values()
	if c.policy.RequireToken {
		payload[RegTokenKey] = token
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return c.finish(Result{Outcome: OutcomeTransportError, Err: err}, SeverityWarning, transportFailureMessage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return c.finish(Result{Outcome: OutcomeTransportError, Err: err}, SeverityWarning, transportFailureMessage)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.WithError(err).Error("submission never reached the backend")
		return c.finish(Result{Outcome: OutcomeTransportError, Err: err}, SeverityWarning, transportFailureMessage)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.log.WithError(err).Error("reading submission response failed")
		return c.finish(Result{Outcome: OutcomeTransportError, Err: err}, SeverityWarning, transportFailureMessage)
	}
	message := string(raw)

	result := Result{StatusCode: resp.StatusCode, Body: message}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Outcome = OutcomeAccepted
		return c.finish(result, SeverityPrimary, message)
	}

	c.log.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
	}).Warn("submission rejected by backend")
	result.Outcome = OutcomeRejected
	return c.finish(result, SeverityDanger, message)
}

func (c *Controller) finish(r Result, severity Severity, message string) Result {
	r.Alert = c.alerts.Append(severity, message)
	return r
}
