package events

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// Publisher delivers provisioning events to a Pub/Sub topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) (string, error)
}

// DefaultPubSubBaseURL is the Pub/Sub REST endpoint.
const DefaultPubSubBaseURL = "https://pubsub.googleapis.com/v1"

const (
	defaultPublishTimeout = 15 * time.Second
	maxPublishRespBytes   = 64 << 10
)

// PubSubConfig configures the REST publisher.
type PubSubConfig struct {
	// BaseURL overrides the Pub/Sub endpoint. Used by tests.
	BaseURL string
	// TokenSource supplies OAuth2 tokens. Leave nil only in tests.
	TokenSource oauth2.TokenSource
	// HTTPClient defaults to a 15 second client.
	HTTPClient *http.Client
	// Logger defaults to a new component logger.
	Logger *logger.Logger
}

// PubSubPublisher publishes through the Pub/Sub REST API.
type PubSubPublisher struct {
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
	log        *logger.Logger
}

var _ Publisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher returns a publisher with config defaults applied.
func NewPubSubPublisher(cfg PubSubConfig) *PubSubPublisher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPubSubBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultPublishTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("pubsub")
	}
	return &PubSubPublisher{
		baseURL:    cfg.BaseURL,
		tokens:     cfg.TokenSource,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger,
	}
}

type publishRequest struct {
	Messages []publishMessage `json:"messages"`
}

type publishMessage struct {
	Data string `json:"data"`
}

type publishResponse struct {
	MessageIDs []string `json:"messageIds"`
}

// Publish sends data to the topic, which must be a full resource name
// (projects/{project}/topics/{topic}). It returns the server-assigned
// message id.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("events: topic is required")
	}

	body, err := json.Marshal(publishRequest{
		Messages: []publishMessage{{Data: base64.StdEncoding.EncodeToString(data)}},
	})
	if err != nil {
		return "", fmt.Errorf("events: encode publish request: %w", err)
	}

	url := p.baseURL + "/" + topic + ":publish"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("events: build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.tokens != nil {
		tok, err := p.tokens.Token()
		if err != nil {
			return "", fmt.Errorf("events: fetch token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("events: publish to %s: %w", topic, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxPublishRespBytes))
	if err != nil {
		return "", fmt.Errorf("events: read publish response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("events: publish to %s returned %d: %s", topic, resp.StatusCode, summarizeBody(respBody))
	}

	var decoded publishResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("events: decode publish response: %w", err)
	}
	if len(decoded.MessageIDs) == 0 {
		return "", fmt.Errorf("events: publish response had no message ids")
	}

	p.log.WithContext(ctx).WithFields(map[string]interface{}{
		"topic":      topic,
		"message_id": decoded.MessageIDs[0],
	}).Debug("published event")
	return decoded.MessageIDs[0], nil
}

func summarizeBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
