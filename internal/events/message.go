// Package events processes Cloud Marketplace Pub/Sub notifications: it
// decodes push deliveries, dispatches entitlement and account events
// against the Partner Procurement API, and republishes provisioning
// events for downstream services.
package events

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// PushEnvelope is the wrapper Pub/Sub wraps around pushed messages.
type PushEnvelope struct {
	Message      *PushMessage `json:"message"`
	Subscription string       `json:"subscription"`
}

// PushMessage carries the base64 payload of a push delivery.
type PushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	Attributes  map[string]string `json:"attributes"`
	PublishTime string            `json:"publishTime"`
}

// Decode returns the decoded message payload. Leading and trailing
// whitespace is trimmed, matching what the marketplace actually sends.
func (m *PushMessage) Decode() ([]byte, error) {
	if m == nil || m.Data == "" {
		return nil, fmt.Errorf("events: no data in message")
	}
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("events: decode message data: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// Kind classifies a marketplace event payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindEntitlement
	KindAccount
)

// Event is a parsed marketplace notification.
type Event struct {
	// ID is the marketplace eventId, used for duplicate suppression.
	ID string
	// Type is the eventType, e.g. ENTITLEMENT_CREATION_REQUESTED.
	Type string
	// EntitlementID is entitlement.id when present.
	EntitlementID string
	// NewPlan is entitlement.newPlan when present.
	NewPlan string
	// AccountID is account.id when present.
	AccountID string
	// Raw is the decoded payload.
	Raw []byte
}

// ParseEvent extracts the routable fields from a decoded payload.
func ParseEvent(data []byte) Event {
	return Event{
		ID:            gjson.GetBytes(data, "eventId").String(),
		Type:          gjson.GetBytes(data, "eventType").String(),
		EntitlementID: gjson.GetBytes(data, "entitlement.id").String(),
		NewPlan:       gjson.GetBytes(data, "entitlement.newPlan").String(),
		AccountID:     gjson.GetBytes(data, "account.id").String(),
		Raw:           data,
	}
}

// Kind reports how the event routes. Entitlement events need both an
// entitlement object and an eventType; account events only need the
// account object.
func (e Event) Kind() Kind {
	switch {
	case gjson.GetBytes(e.Raw, "entitlement").Exists() && e.Type != "":
		return KindEntitlement
	case gjson.GetBytes(e.Raw, "account").Exists():
		return KindAccount
	default:
		return KindUnknown
	}
}
