package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

const (
	slackTimeout      = 10 * time.Second
	maxSlackRespBytes = 4 << 10
)

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// SlackSender posts formatted messages to a Slack incoming webhook.
type SlackSender struct {
	httpClient *http.Client
	log        *logger.Logger
}

// NewSlackSender returns a sender using the provided client, or a default
// 10 second client when nil.
func NewSlackSender(httpClient *http.Client, log *logger.Logger) *SlackSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: slackTimeout}
	}
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &SlackSender{httpClient: httpClient, log: log}
}

// Post sends a message with a header block and a mrkdwn section carrying
// the payload as indented JSON.
func (s *SlackSender) Post(ctx context.Context, webhookURL, title string, payload interface{}) error {
	if webhookURL == "" {
		return fmt.Errorf("notify: no webhook URL provided")
	}

	detail, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		return fmt.Errorf("notify: encode slack payload: %w", err)
	}
	body, err := json.Marshal(slackMessage{
		Text: title,
		Blocks: []slackBlock{
			{Type: "header", Text: slackText{Type: "plain_text", Text: title}},
			{Type: "section", Text: slackText{Type: "mrkdwn", Text: string(detail)}},
		},
	})
	if err != nil {
		return fmt.Errorf("notify: encode slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxSlackRespBytes))
		return fmt.Errorf("notify: slack returned %d: %s", resp.StatusCode, summarize(string(respBody)))
	}

	s.log.WithContext(ctx).WithField("title", title).Debug("slack message sent")
	return nil
}
