package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coleymr/doit-easily-marketplace/internal/config"
	"github.com/coleymr/doit-easily-marketplace/internal/marketplace"
	"github.com/coleymr/doit-easily-marketplace/internal/metrics"
	"github.com/coleymr/doit-easily-marketplace/internal/procurement"
	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// DefaultSweepSchedule runs the sweep every ten minutes.
const DefaultSweepSchedule = "@every 10m"

const defaultSweepTimeout = 5 * time.Minute

// SweepAPI is the procurement surface the sweeper uses.
type SweepAPI interface {
	ListEntitlements(ctx context.Context, state, accountID string) ([]marketplace.Entitlement, error)
	GetAccount(ctx context.Context, accountID string) (*marketplace.Account, error)
	ApproveEntitlement(ctx context.Context, entitlementID string) error
}

// SweeperConfig configures the periodic entitlement sweep.
type SweeperConfig struct {
	Procurement SweepAPI
	// Settings resolves per-product overrides from the product prefix.
	Settings func(product string) config.ProductSettings
	// Schedule is a cron spec. Defaults to DefaultSweepSchedule.
	Schedule string
	// Timeout bounds a single sweep run. Defaults to five minutes.
	Timeout time.Duration
	Logger  *logger.Logger
}

// Sweeper periodically approves pending entitlements that the push
// subscription missed, for products that auto-approve. Pub/Sub push is
// at-least-once but can lag; the sweep closes the gap.
type Sweeper struct {
	procurement SweepAPI
	settings    func(product string) config.ProductSettings
	schedule    string
	timeout     time.Duration
	cron        *cron.Cron
	log         *logger.Logger
}

// NewSweeper validates the configuration and returns a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Procurement == nil {
		return nil, fmt.Errorf("events: procurement client is required")
	}
	if cfg.Settings == nil {
		cfg.Settings = func(string) config.ProductSettings { return config.ProductSettings{} }
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSweepTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("sweeper")
	}
	return &Sweeper{
		procurement: cfg.Procurement,
		settings:    cfg.Settings,
		schedule:    cfg.Schedule,
		timeout:     cfg.Timeout,
		cron:        cron.New(),
		log:         cfg.Logger,
	}, nil
}

// Name identifies the sweeper to the service manager.
func (s *Sweeper) Name() string { return "entitlement-sweeper" }

// Start registers the cron entry and begins the schedule.
func (s *Sweeper) Start(_ context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("events: invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("entitlement sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Sweep(ctx); err != nil {
		s.log.WithError(err).Error("entitlement sweep failed")
	}
}

// Sweep approves every activation-requested entitlement whose product
// auto-approves and whose account has cleared signup.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	entitlements, err := s.procurement.ListEntitlements(ctx, marketplace.DefaultFilterState, "")
	if err != nil {
		metrics.RecordSweep(time.Since(start), 0, false)
		return fmt.Errorf("list entitlements: %w", err)
	}

	approved := 0
	accounts := map[string]*marketplace.Account{}
	for _, entitlement := range entitlements {
		if !s.settings(entitlement.ProductPrefix()).AutoApproveEntitlements {
			continue
		}

		accountID := entitlement.AccountID()
		account, cached := accounts[accountID]
		if !cached {
			account, err = s.procurement.GetAccount(ctx, accountID)
			if err != nil && !errors.Is(err, procurement.ErrNotFound) {
				s.log.WithContext(ctx).WithError(err).WithField("account_id", accountID).
					Warn("failed to load account during sweep")
				continue
			}
			accounts[accountID] = account
		}
		if account == nil || !account.Approved() {
			continue
		}

		if err := s.procurement.ApproveEntitlement(ctx, entitlement.ID()); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("entitlement_id", entitlement.ID()).
				Warn("failed to approve entitlement during sweep")
			continue
		}
		approved++
	}

	metrics.RecordSweep(time.Since(start), approved, true)
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"pending":  len(entitlements),
		"approved": approved,
	}).Info("entitlement sweep complete")
	return nil
}
