package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

func quietLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

func TestPublishSendsBase64Data(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq publishRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode publish request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"messageIds":["12345"]}`)
	}))
	defer server.Close()

	publisher := NewPubSubPublisher(PubSubConfig{
		BaseURL:     server.URL + "/v1",
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		Logger:      quietLogger(),
	})

	payload := []byte(`{"event":"create","entitlement":{"id":"e-1"}}`)
	id, err := publisher.Publish(context.Background(), "projects/p/topics/doit-events", payload)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "12345" {
		t.Errorf("message id = %q, want 12345", id)
	}
	if gotPath != "/v1/projects/p/topics/doit-events:publish" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if len(gotReq.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(gotReq.Messages))
	}
	decoded, err := base64.StdEncoding.DecodeString(gotReq.Messages[0].Data)
	if err != nil {
		t.Fatalf("decode message data: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Errorf("data = %q, want %q", decoded, payload)
	}
}

func TestPublishStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"status":"PERMISSION_DENIED"}}`, http.StatusForbidden)
	}))
	defer server.Close()

	publisher := NewPubSubPublisher(PubSubConfig{BaseURL: server.URL + "/v1", Logger: quietLogger()})
	_, err := publisher.Publish(context.Background(), "projects/p/topics/t", []byte("{}"))
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("Publish error = %v, want a 403 failure", err)
	}
}

func TestPublishRequiresTopic(t *testing.T) {
	publisher := NewPubSubPublisher(PubSubConfig{Logger: quietLogger()})
	if _, err := publisher.Publish(context.Background(), "", []byte("{}")); err == nil {
		t.Error("expected error for empty topic")
	}
}
