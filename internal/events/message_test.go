package events

import (
	"encoding/base64"
	"testing"
)

func TestPushMessageDecode(t *testing.T) {
	msg := &PushMessage{Data: base64.StdEncoding.EncodeToString([]byte("  {\"eventId\":\"evt-1\"}\n"))}
	data, err := msg.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(data) != `{"eventId":"evt-1"}` {
		t.Errorf("Decode = %q, want trimmed payload", data)
	}
}

func TestPushMessageDecodeErrors(t *testing.T) {
	if _, err := (&PushMessage{}).Decode(); err == nil {
		t.Error("expected error for empty data")
	}
	var nilMsg *PushMessage
	if _, err := nilMsg.Decode(); err == nil {
		t.Error("expected error for nil message")
	}
	if _, err := (&PushMessage{Data: "not base64!!"}).Decode(); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestParseEventKinds(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Kind
	}{
		{
			name: "entitlement with event type",
			data: `{"eventId":"evt-1","eventType":"ENTITLEMENT_CREATION_REQUESTED","entitlement":{"id":"e-1","newPlan":"pro"}}`,
			want: KindEntitlement,
		},
		{
			name: "entitlement without event type routes nowhere",
			data: `{"eventId":"evt-2","entitlement":{"id":"e-1"}}`,
			want: KindUnknown,
		},
		{
			name: "account",
			data: `{"eventId":"evt-3","eventType":"ACCOUNT_ACTIVE","account":{"id":"a-1"}}`,
			want: KindAccount,
		},
		{
			name: "neither",
			data: `{"eventId":"evt-4","eventType":"SOMETHING"}`,
			want: KindUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseEvent([]byte(tt.data))
			if got := ev.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseEventFields(t *testing.T) {
	ev := ParseEvent([]byte(`{"eventId":"evt-1","eventType":"ENTITLEMENT_PLAN_CHANGE_REQUESTED","entitlement":{"id":"e-9","newPlan":"enterprise"}}`))
	if ev.ID != "evt-1" {
		t.Errorf("ID = %q", ev.ID)
	}
	if ev.Type != "ENTITLEMENT_PLAN_CHANGE_REQUESTED" {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.EntitlementID != "e-9" {
		t.Errorf("EntitlementID = %q", ev.EntitlementID)
	}
	if ev.NewPlan != "enterprise" {
		t.Errorf("NewPlan = %q", ev.NewPlan)
	}

	ev = ParseEvent([]byte(`{"account":{"id":"a-7","updateTime":"2025-01-01T00:00:00Z"}}`))
	if ev.AccountID != "a-7" {
		t.Errorf("AccountID = %q", ev.AccountID)
	}
}
