// Package marketplace defines the domain model for Google Cloud Marketplace
// procurement resources: customer accounts, entitlements, and the event
// vocabulary used by the marketplace Pub/Sub feed.
package marketplace

import (
	"encoding/json"
	"strings"
	"time"
)

// ApprovalSignup is the approval slot a provider grants on a customer
// account once the signup flow completes.
const ApprovalSignup = "signup"

// Approval states reported by the Procurement Service.
const (
	ApprovalStatePending  = "PENDING"
	ApprovalStateApproved = "APPROVED"
)

// Entitlement resource states.
const (
	EntitlementStateActivationRequested       = "ENTITLEMENT_ACTIVATION_REQUESTED"
	EntitlementStateActive                    = "ENTITLEMENT_ACTIVE"
	EntitlementStatePendingCancellation       = "ENTITLEMENT_PENDING_CANCELLATION"
	EntitlementStateCancelled                 = "ENTITLEMENT_CANCELLED"
	EntitlementStatePendingPlanChange         = "ENTITLEMENT_PENDING_PLAN_CHANGE"
	EntitlementStatePendingPlanChangeApproval = "ENTITLEMENT_PENDING_PLAN_CHANGE_APPROVAL"
	EntitlementStateSuspended                 = "ENTITLEMENT_SUSPENDED"
)

// Event types delivered on the marketplace Pub/Sub subscription.
// https://cloud.google.com/marketplace/docs/partners/integrated-saas/backend-integration#eventtypes
const (
	EventCreationRequested    = "ENTITLEMENT_CREATION_REQUESTED"
	EventActive               = "ENTITLEMENT_ACTIVE"
	EventPlanChangeRequested  = "ENTITLEMENT_PLAN_CHANGE_REQUESTED"
	EventPlanChanged          = "ENTITLEMENT_PLAN_CHANGED"
	EventPlanChangeCancelled  = "ENTITLEMENT_PLAN_CHANGE_CANCELLED"
	EventCancelled            = "ENTITLEMENT_CANCELLED"
	EventPendingCancellation  = "ENTITLEMENT_PENDING_CANCELLATION"
	EventCancellationReverted = "ENTITLEMENT_CANCELLATION_REVERTED"
	EventDeleted              = "ENTITLEMENT_DELETED"
	EventOfferAccepted        = "ENTITLEMENT_OFFER_ACCEPTED"
)

// Provisioning event names published to the downstream event topic.
const (
	ProvisionCreate  = "create"
	ProvisionUpgrade = "upgrade"
	ProvisionDestroy = "destroy"
)

// DefaultFilterState is the entitlement list filter applied when none is
// requested.
const DefaultFilterState = "ACTIVATION_REQUESTED"

// FilterStates are the state filters the console exposes for entitlement
// listings. Anything else falls back to DefaultFilterState.
var FilterStates = []string{
	"CREATION_REQUESTED",
	"ACTIVE",
	"PLAN_CHANGE_REQUESTED",
	"PLAN_CHANGED",
	"PLAN_CHANGE_CANCELLED",
	"CANCELLED",
	"PENDING_CANCELLATION",
	"CANCELLATION_REVERTED",
	"DELETED",
}

// NormalizeFilterState maps a requested filter state onto one the listing
// endpoint accepts.
func NormalizeFilterState(state string) string {
	for _, s := range FilterStates {
		if s == state {
			return state
		}
	}
	return DefaultFilterState
}

// Approval is one approval slot on a procurement account.
type Approval struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	UpdateTime time.Time `json:"updateTime,omitempty"`
}

// Account is a procurement account resource. Raw preserves the exact
// document returned by the Procurement Service so notifications keep fields
// the typed model does not enumerate.
type Account struct {
	Name       string     `json:"name"`
	Provider   string     `json:"provider,omitempty"`
	State      string     `json:"state,omitempty"`
	Approvals  []Approval `json:"approvals,omitempty"`
	CreateTime time.Time  `json:"createTime,omitempty"`
	UpdateTime time.Time  `json:"updateTime,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ID returns the trailing resource id of the account name.
func (a *Account) ID() string {
	return lastSegment(a.Name)
}

// SignupApproval returns the signup approval slot, or nil when the account
// carries none.
func (a *Account) SignupApproval() *Approval {
	for i := range a.Approvals {
		if a.Approvals[i].Name == ApprovalSignup {
			return &a.Approvals[i]
		}
	}
	return nil
}

// Approved reports whether the signup approval has been granted. A missing
// approval means the account was deleted or never signed up.
func (a *Account) Approved() bool {
	approval := a.SignupApproval()
	if approval == nil {
		return false
	}
	return approval.State == ApprovalStateApproved
}

// Entitlement is a procurement entitlement resource.
type Entitlement struct {
	Name             string    `json:"name"`
	Account          string    `json:"account,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Product          string    `json:"product,omitempty"`
	Plan             string    `json:"plan,omitempty"`
	NewPendingPlan   string    `json:"newPendingPlan,omitempty"`
	State            string    `json:"state,omitempty"`
	UsageReportingID string    `json:"usageReportingId,omitempty"`
	MessageToUser    string    `json:"messageToUser,omitempty"`
	Offer            string    `json:"offer,omitempty"`
	OfferEndTime     time.Time `json:"offerEndTime,omitempty"`
	CreateTime       time.Time `json:"createTime,omitempty"`
	UpdateTime       time.Time `json:"updateTime,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ID returns the trailing resource id of the entitlement name.
func (e *Entitlement) ID() string {
	return lastSegment(e.Name)
}

// AccountID returns the trailing resource id of the owning account name.
func (e *Entitlement) AccountID() string {
	return lastSegment(e.Account)
}

// ProductPrefix returns the product identifier before the first dot, the key
// used for per-product configuration. "my-product.endpoints.x.cloud.goog"
// yields "my-product".
func (e *Entitlement) ProductPrefix() string {
	if i := strings.IndexByte(e.Product, '.'); i >= 0 {
		return e.Product[:i]
	}
	return e.Product
}

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}
