package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSlackPostFormatsBlocks(t *testing.T) {
	var got slackMessage
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode slack body: %v", err)
		}
	}))
	defer server.Close()

	sender := NewSlackSender(nil, quietLogger())
	err := sender.Post(context.Background(), server.URL, SlackEntitlementTitle, map[string]interface{}{
		"name": "providers/p/entitlements/e-1",
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if got.Text != SlackEntitlementTitle {
		t.Errorf("text = %q", got.Text)
	}
	if len(got.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(got.Blocks))
	}
	if got.Blocks[0].Type != "header" || got.Blocks[0].Text.Type != "plain_text" {
		t.Errorf("unexpected header block: %+v", got.Blocks[0])
	}
	if got.Blocks[1].Type != "section" || got.Blocks[1].Text.Type != "mrkdwn" {
		t.Errorf("unexpected section block: %+v", got.Blocks[1])
	}
	if !strings.Contains(got.Blocks[1].Text.Text, `"name": "providers/p/entitlements/e-1"`) {
		t.Errorf("section text missing entitlement detail: %q", got.Blocks[1].Text.Text)
	}
}

func TestSlackPostRejectsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer server.Close()

	sender := NewSlackSender(nil, quietLogger())
	err := sender.Post(context.Background(), server.URL, "t", map[string]string{})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("Post error = %v, want a 400 failure", err)
	}
}

func TestSlackPostRequiresWebhook(t *testing.T) {
	sender := NewSlackSender(nil, quietLogger())
	if err := sender.Post(context.Background(), "", "t", nil); err == nil {
		t.Error("expected error for empty webhook URL")
	}
}
