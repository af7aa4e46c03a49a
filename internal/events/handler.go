package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coleymr/doit-easily-marketplace/internal/config"
	"github.com/coleymr/doit-easily-marketplace/internal/marketplace"
	"github.com/coleymr/doit-easily-marketplace/internal/metrics"
	"github.com/coleymr/doit-easily-marketplace/internal/procurement"
	"github.com/coleymr/doit-easily-marketplace/internal/storage"
	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// Notification email subjects and bodies.
const (
	subjectEntitlementCreation  = "New Entitlement Creation Request"
	headlineEntitlementCreation = "A new entitlement creation request has been submitted:"

	subjectOfferAccepted  = "New Entitlement Offer Accepted"
	headlineOfferAccepted = "The following offer has been accepted:"

	subjectAccountPending  = "New Account Pending Approval"
	titleAccountPending    = "New Account is Pending Approval/Reject"
	headlineAccountPending = "The following account is pending a response:"

	subjectAccountApproved  = "New Account Approved"
	titleAccountApproved    = "New Account has been approved"
	headlineAccountApproved = "The following account has been approved:"
)

// Disposition says what processing did with an event. Every disposition is
// acknowledged to Pub/Sub; Error only marks events whose work should be
// visible as failed in logs and metrics.
type Disposition string

const (
	DispositionProcessed Disposition = "processed"
	DispositionPublished Disposition = "published"
	DispositionSkipped   Disposition = "skipped"
	DispositionDuplicate Disposition = "duplicate"
	DispositionInvalid   Disposition = "invalid"
	DispositionError     Disposition = "error"
)

// ProcurementAPI is the slice of the procurement client the dispatcher
// uses.
type ProcurementAPI interface {
	GetEntitlement(ctx context.Context, entitlementID string) (*marketplace.Entitlement, error)
	GetAccount(ctx context.Context, accountID string) (*marketplace.Account, error)
	ApproveEntitlement(ctx context.Context, entitlementID string) error
	ApprovePlanChange(ctx context.Context, entitlementID, pendingPlan string) error
}

// Notifier delivers operator notifications. Implementations log their own
// failures; the dispatcher treats them as non-fatal.
type Notifier interface {
	SendEntitlementEmail(ctx context.Context, recipients []string, subject, headline string, entitlement interface{}) error
	SendAccountEmail(ctx context.Context, recipients []string, subject, title, headline string, accountRaw []byte) error
	SendSlackEntitlement(ctx context.Context, webhookURL string, entitlement interface{}) error
}

// Config assembles a Handler. Procurement is required; every other
// dependency degrades gracefully when nil.
type Config struct {
	Procurement ProcurementAPI
	Notifier    Notifier
	Publisher   Publisher
	Deduper     Deduper
	Customers   storage.CustomerStore
	Events      storage.EventStore
	// Settings resolves per-product overrides from the product prefix.
	Settings func(product string) config.ProductSettings
	// AccountRecipients receive account approval emails.
	AccountRecipients []string
	Logger            *logger.Logger
}

// Handler dispatches marketplace Pub/Sub events.
type Handler struct {
	procurement       ProcurementAPI
	notifier          Notifier
	publisher         Publisher
	deduper           Deduper
	customers         storage.CustomerStore
	events            storage.EventStore
	settings          func(product string) config.ProductSettings
	accountRecipients []string
	log               *logger.Logger
}

// NewHandler validates the configuration and returns a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Procurement == nil {
		return nil, fmt.Errorf("events: procurement client is required")
	}
	if cfg.Settings == nil {
		cfg.Settings = func(string) config.ProductSettings { return config.ProductSettings{} }
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("events")
	}
	return &Handler{
		procurement:       cfg.Procurement,
		notifier:          cfg.Notifier,
		publisher:         cfg.Publisher,
		deduper:           cfg.Deduper,
		customers:         cfg.Customers,
		events:            cfg.Events,
		settings:          cfg.Settings,
		accountRecipients: cfg.AccountRecipients,
		log:               cfg.Logger,
	}, nil
}

// Handle processes one push delivery body. Whatever the disposition, the
// delivery is safe to acknowledge; err carries internal failures for
// logging and metrics only.
func (h *Handler) Handle(ctx context.Context, body []byte) (Disposition, error) {
	log := h.log.WithContext(ctx)

	ev, ok := h.parse(log, body)
	if !ok {
		metrics.RecordEvent("", string(DispositionInvalid))
		return DispositionInvalid, nil
	}
	return h.Dispatch(ctx, ev)
}

func (h *Handler) parse(log *logger.Logger, body []byte) (Event, bool) {
	if len(body) == 0 {
		log.Warn("no Pub/Sub message received")
		return Event{}, false
	}
	var envelope PushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.WithError(err).Warn("invalid Pub/Sub message format")
		return Event{}, false
	}
	if envelope.Message == nil {
		log.Warn("invalid Pub/Sub message format")
		return Event{}, false
	}
	data, err := envelope.Message.Decode()
	if err != nil {
		log.WithError(err).Error("failure decoding message data")
		return Event{}, false
	}
	return ParseEvent(data), true
}

// Dispatch routes a parsed event through duplicate suppression and the
// entitlement or account flow, then records the outcome.
func (h *Handler) Dispatch(ctx context.Context, ev Event) (Disposition, error) {
	log := h.log.WithContext(ctx).WithFields(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})

	if ev.ID != "" && h.deduper != nil {
		seen, err := h.deduper.Seen(ctx, ev.ID)
		if err != nil {
			log.WithError(err).Warn("duplicate check failed, processing anyway")
		} else if seen {
			log.Info("duplicate event, skipping")
			return h.record(ctx, ev, DispositionDuplicate), nil
		}
	}

	var disp Disposition
	var err error
	switch ev.Kind() {
	case KindEntitlement:
		disp, err = h.handleEntitlement(ctx, ev)
	case KindAccount:
		disp, err = h.handleAccount(ctx, ev)
	default:
		log.Warn("no account or entitlement in message")
		disp = DispositionInvalid
	}
	if err != nil {
		log.WithError(err).Error("event processing failed")
	}
	return h.record(ctx, ev, disp), err
}

func (h *Handler) record(ctx context.Context, ev Event, disp Disposition) Disposition {
	metrics.RecordEvent(ev.Type, string(disp))
	if h.events == nil {
		return disp
	}
	if _, err := h.events.RecordEvent(ctx, storage.EventRecord{
		EventID:       ev.ID,
		EventType:     ev.Type,
		EntitlementID: ev.EntitlementID,
		AccountID:     ev.AccountID,
		Disposition:   string(disp),
	}); err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("failed to record event")
	}
	return disp
}

func (h *Handler) handleEntitlement(ctx context.Context, ev Event) (Disposition, error) {
	log := h.log.WithContext(ctx).WithFields(map[string]interface{}{
		"event_type":     ev.Type,
		"entitlement_id": ev.EntitlementID,
	})

	if ev.EntitlementID == "" {
		log.Error("invalid event data, missing entitlement id")
		return DispositionInvalid, nil
	}

	entitlement, err := h.procurement.GetEntitlement(ctx, ev.EntitlementID)
	if errors.Is(err, procurement.ErrNotFound) {
		log.Debug("entitlement not found in procurement api, nothing to do")
		return DispositionSkipped, nil
	}
	if err != nil {
		return DispositionError, fmt.Errorf("get entitlement: %w", err)
	}

	if entitlement.Product == "" {
		log.Error("entitlement missing product information")
		return DispositionInvalid, nil
	}
	product := entitlement.ProductPrefix()
	settings := h.settings(product)
	log.WithFields(map[string]interface{}{
		"product":                   product,
		"event_topic":               settings.EventTopic,
		"auto_approve_entitlements": settings.AutoApproveEntitlements,
	}).Debug("resolved product settings")

	if entitlement.Account == "" {
		log.Error("entitlement missing account information")
		return DispositionInvalid, nil
	}
	accountID := entitlement.AccountID()
	account, err := h.procurement.GetAccount(ctx, accountID)
	if err != nil && !errors.Is(err, procurement.ErrNotFound) {
		return DispositionError, fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.Approved() {
		log.WithField("account_id", accountID).
			Warn("customer account is not approved, account must be approved using the frontend integration")
		return DispositionSkipped, nil
	}

	if entitlement.State == "" {
		log.Error("entitlement missing state information")
		return DispositionInvalid, nil
	}

	payload := entitlementPayload(entitlement, ev.EntitlementID)

	switch ev.Type {
	case marketplace.EventCreationRequested:
		if entitlement.State == marketplace.EntitlementStateActivationRequested {
			return h.entitlementCreationRequested(ctx, ev, payload, settings)
		}
	case marketplace.EventActive:
		if entitlement.State == marketplace.EntitlementStateActive {
			return h.publishProvision(ctx, marketplace.ProvisionCreate, entitlement, payload, settings)
		}
	case marketplace.EventPlanChangeRequested:
		if entitlement.State == marketplace.EntitlementStatePendingPlanChangeApproval {
			if entitlement.NewPendingPlan == "" {
				log.Error("missing newPendingPlan in entitlement")
				return DispositionInvalid, nil
			}
			if err := h.procurement.ApprovePlanChange(ctx, ev.EntitlementID, entitlement.NewPendingPlan); err != nil {
				return DispositionError, fmt.Errorf("approve plan change: %w", err)
			}
			return DispositionProcessed, nil
		}
	case marketplace.EventPlanChanged:
		if entitlement.State == marketplace.EntitlementStateActive {
			return h.publishProvision(ctx, marketplace.ProvisionUpgrade, entitlement, payload, settings)
		}
	case marketplace.EventCancelled:
		if entitlement.State == marketplace.EntitlementStateCancelled {
			return h.publishProvision(ctx, marketplace.ProvisionDestroy, entitlement, payload, settings)
		}
	case marketplace.EventOfferAccepted:
		if entitlement.State == marketplace.EntitlementStateActivationRequested {
			log.Debug("sending email: New Entitlement Offer Accepted")
			h.sendEntitlementEmail(ctx, settings, subjectOfferAccepted, headlineOfferAccepted, payload)
			return DispositionProcessed, nil
		}
	case marketplace.EventPlanChangeCancelled,
		marketplace.EventPendingCancellation,
		marketplace.EventCancellationReverted,
		marketplace.EventDeleted:
		// Nothing to do until the next state transition arrives.
		return DispositionSkipped, nil
	}

	log.WithField("state", entitlement.State).Debug("no action for event type in this state")
	return DispositionSkipped, nil
}

func (h *Handler) entitlementCreationRequested(ctx context.Context, ev Event, payload map[string]interface{}, settings config.ProductSettings) (Disposition, error) {
	log := h.log.WithContext(ctx).WithField("entitlement_id", ev.EntitlementID)

	if settings.AutoApproveEntitlements {
		log.Debug("auto approving entitlement")
		if err := h.procurement.ApproveEntitlement(ctx, ev.EntitlementID); err != nil {
			return DispositionError, fmt.Errorf("approve entitlement: %w", err)
		}
	}

	log.Debug("sending email: New Entitlement Creation Request")
	h.sendEntitlementEmail(ctx, settings, subjectEntitlementCreation, headlineEntitlementCreation, payload)

	if settings.SlackWebhook != "" && h.notifier != nil {
		// Delivery failures are logged by the notifier.
		_ = h.notifier.SendSlackEntitlement(ctx, settings.SlackWebhook, payload)
	}

	// The approval itself comes from the console when auto-approve is off.
	return DispositionProcessed, nil
}

func (h *Handler) sendEntitlementEmail(ctx context.Context, settings config.ProductSettings, subject, headline string, payload map[string]interface{}) {
	if len(settings.EmailRecipients) == 0 {
		h.log.WithContext(ctx).Warn("no email recipients configured")
		return
	}
	if h.notifier == nil {
		return
	}
	_ = h.notifier.SendEntitlementEmail(ctx, settings.EmailRecipients, subject, headline, payload)
}

func (h *Handler) publishProvision(ctx context.Context, provision string, entitlement *marketplace.Entitlement, payload map[string]interface{}, settings config.ProductSettings) (Disposition, error) {
	log := h.log.WithContext(ctx).WithFields(map[string]interface{}{
		"type":        provision,
		"event_topic": settings.EventTopic,
	})
	log.Info("notify entitlement change")

	if settings.EventTopic == "" {
		log.Warn("no event_topic configured, setup messages dropped")
		return DispositionSkipped, nil
	}
	if h.publisher == nil {
		log.Warn("event_topic configured but no publisher provided")
		return DispositionSkipped, nil
	}

	data, err := json.Marshal(map[string]interface{}{
		"event":       provision,
		"entitlement": payload,
	})
	if err != nil {
		return DispositionError, fmt.Errorf("encode provisioning event: %w", err)
	}
	if _, err := h.publisher.Publish(ctx, settings.EventTopic, data); err != nil {
		return DispositionError, fmt.Errorf("publish provisioning event: %w", err)
	}

	if provision == marketplace.ProvisionCreate || provision == marketplace.ProvisionUpgrade {
		h.updateCustomerPlan(ctx, entitlement)
	}
	return DispositionPublished, nil
}

// updateCustomerPlan keeps the customer record's product and plan current
// as provisioning events flow through.
func (h *Handler) updateCustomerPlan(ctx context.Context, entitlement *marketplace.Entitlement) {
	if h.customers == nil {
		return
	}
	accountID := entitlement.AccountID()
	customer, err := h.customers.GetCustomer(ctx, accountID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.log.WithContext(ctx).WithError(err).Warn("failed to load customer record")
		return
	}
	customer.AccountID = accountID
	customer.Product = entitlement.Product
	customer.Plan = entitlement.Plan
	if _, err := h.customers.UpsertCustomer(ctx, customer); err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("failed to store customer record")
	}
}

func (h *Handler) handleAccount(ctx context.Context, ev Event) (Disposition, error) {
	log := h.log.WithContext(ctx).WithField("account_id", ev.AccountID)

	if ev.AccountID == "" {
		log.Error("invalid account message format")
		return DispositionInvalid, nil
	}

	account, err := h.procurement.GetAccount(ctx, ev.AccountID)
	if errors.Is(err, procurement.ErrNotFound) {
		log.Debug("account not found in procurement api, nothing to do")
		return DispositionSkipped, nil
	}
	if err != nil {
		return DispositionError, fmt.Errorf("get account: %w", err)
	}

	approval := account.SignupApproval()
	if approval == nil {
		log.Warn("no signup approval found in account")
		return DispositionSkipped, nil
	}

	switch approval.State {
	case marketplace.ApprovalStatePending:
		log.Info("account is pending, sending email")
		return h.accountEmail(ctx, account, subjectAccountPending, titleAccountPending, headlineAccountPending), nil
	case marketplace.ApprovalStateApproved:
		log.Info("account is approved, sending confirmation email")
		h.storeApprovedCustomer(ctx, account)
		return h.accountEmail(ctx, account, subjectAccountApproved, titleAccountApproved, headlineAccountApproved), nil
	}

	log.WithField("approval_state", approval.State).Debug("no action for approval state")
	return DispositionSkipped, nil
}

func (h *Handler) accountEmail(ctx context.Context, account *marketplace.Account, subject, title, headline string) Disposition {
	if len(h.accountRecipients) == 0 {
		h.log.WithContext(ctx).Warn("no email recipients configured, skipping email notifications")
		return DispositionSkipped
	}
	if h.notifier == nil {
		return DispositionSkipped
	}
	if err := h.notifier.SendAccountEmail(ctx, h.accountRecipients, subject, title, headline, accountRaw(account)); err != nil {
		return DispositionError
	}
	return DispositionProcessed
}

func (h *Handler) storeApprovedCustomer(ctx context.Context, account *marketplace.Account) {
	if h.customers == nil {
		return
	}
	customer, err := h.customers.GetCustomer(ctx, account.ID())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.log.WithContext(ctx).WithError(err).Warn("failed to load customer record")
		return
	}
	now := time.Now().UTC()
	customer.AccountID = account.ID()
	customer.ApprovedAt = &now
	if _, err := h.customers.UpsertCustomer(ctx, customer); err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("failed to store customer record")
	}
}

// entitlementPayload rebuilds the full procurement document with the short
// id injected, so emails and provisioning events keep fields the typed
// model does not carry.
func entitlementPayload(entitlement *marketplace.Entitlement, id string) map[string]interface{} {
	payload := map[string]interface{}{}
	if len(entitlement.Raw) > 0 {
		if err := json.Unmarshal(entitlement.Raw, &payload); err != nil {
			payload = map[string]interface{}{}
		}
	}
	if len(payload) == 0 {
		data, _ := json.Marshal(entitlement)
		_ = json.Unmarshal(data, &payload)
	}
	payload["id"] = id
	return payload
}

func accountRaw(account *marketplace.Account) []byte {
	if len(account.Raw) > 0 {
		return account.Raw
	}
	data, _ := json.Marshal(account)
	return data
}
