// Package app composes the marketplace integration: it builds the stores,
// clients, and handlers from configuration and manages the lifecycle of the
// background services.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/coleymr/doit-easily-marketplace/internal/config"
	"github.com/coleymr/doit-easily-marketplace/internal/events"
	"github.com/coleymr/doit-easily-marketplace/internal/httpapi"
	"github.com/coleymr/doit-easily-marketplace/internal/marketauth"
	"github.com/coleymr/doit-easily-marketplace/internal/notify"
	"github.com/coleymr/doit-easily-marketplace/internal/procurement"
	"github.com/coleymr/doit-easily-marketplace/internal/storage"
	"github.com/coleymr/doit-easily-marketplace/internal/storage/memory"
	"github.com/coleymr/doit-easily-marketplace/internal/storage/postgres"
	"github.com/coleymr/doit-easily-marketplace/internal/system"
	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// configured database, or to the in-memory implementation when no database
// is configured.
type Stores struct {
	Customers storage.CustomerStore
	Events    storage.EventStore
}

// Application ties the marketplace integration together and manages the
// lifecycle of its background services.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	// Handler is the fully wired HTTP surface.
	Handler http.Handler

	Procurement *procurement.Client
	Verifier    *marketauth.Verifier
	Events      *events.Handler
	Sweeper     *events.Sweeper

	db    *sqlx.DB
	redis *redis.Client
}

// New builds a fully initialised application from the configuration. The
// context bounds startup work: credential resolution, the database ping,
// and migrations.
func New(ctx context.Context, cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	a := &Application{manager: system.NewManager(), log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if stores.Customers == nil || stores.Events == nil {
		if cfg.Database.DSN != "" {
			db, err := postgres.Open(ctx, postgres.Options{
				DSN:             cfg.Database.DSN,
				MaxOpenConns:    cfg.Database.MaxOpenConns,
				MaxIdleConns:    cfg.Database.MaxIdleConns,
				ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeSec) * time.Second,
			})
			if err != nil {
				return nil, fmt.Errorf("app: open database: %w", err)
			}
			a.db = db
			if err := postgres.Migrate(db); err != nil {
				return nil, fmt.Errorf("app: migrate database: %w", err)
			}
			store := postgres.New(db)
			if stores.Customers == nil {
				stores.Customers = store
			}
			if stores.Events == nil {
				stores.Events = store
			}
		} else {
			log.Warn("no database configured, customer records are in-memory only")
			mem := memory.New()
			if stores.Customers == nil {
				stores.Customers = mem
			}
			if stores.Events == nil {
				stores.Events = mem
			}
		}
	}

	var deduper events.Deduper
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("app: redis ping: %w", err)
		}
		a.redis = client
		deduper = events.NewRedisDeduper(client, events.DefaultDedupTTL)
	} else {
		// Redis expires dedup keys server-side; the in-process map needs a
		// janitor to shed expired ids between events.
		mem := events.NewMemoryDeduper(events.DefaultDedupTTL)
		if err := a.manager.Register(events.NewDedupJanitor(mem, 0)); err != nil {
			return nil, fmt.Errorf("app: register dedup janitor: %w", err)
		}
		deduper = mem
	}

	tokens, err := procurement.DefaultTokenSource(ctx)
	if err != nil {
		log.WithError(err).Warn("no application default credentials, procurement calls will be unauthenticated")
	}

	a.Procurement, err = procurement.New(procurement.Config{
		Project:     cfg.Marketplace.Project,
		TokenSource: tokens,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: procurement client: %w", err)
	}

	a.Verifier, err = marketauth.NewVerifier(marketauth.Config{
		Audience: cfg.Marketplace.Audience,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: token verifier: %w", err)
	}

	var email *notify.EmailSender
	if cfg.Email.SendgridAPIKey != "" {
		email, err = notify.NewEmailSender(notify.EmailConfig{
			APIKey: cfg.Email.SendgridAPIKey,
			From:   cfg.Email.SendgridFromEmail,
			Logger: log,
		})
		if err != nil {
			return nil, fmt.Errorf("app: email sender: %w", err)
		}
	} else {
		log.Warn("sendgrid not configured, email notifications disabled")
	}
	notifier := notify.New(email, notify.NewSlackSender(nil, log), log)

	publisher := events.NewPubSubPublisher(events.PubSubConfig{
		TokenSource: tokens,
		Logger:      log,
	})

	a.Events, err = events.NewHandler(events.Config{
		Procurement:       a.Procurement,
		Notifier:          notifier,
		Publisher:         publisher,
		Deduper:           deduper,
		Customers:         stores.Customers,
		Events:            stores.Events,
		Settings:          cfg.ProductSettings,
		AccountRecipients: cfg.Email.Recipients,
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: event handler: %w", err)
	}

	a.Sweeper, err = events.NewSweeper(events.SweeperConfig{
		Procurement: a.Procurement,
		Settings:    cfg.ProductSettings,
		Schedule:    cfg.Events.SweepSchedule,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: sweeper: %w", err)
	}
	if err := a.manager.Register(a.Sweeper); err != nil {
		return nil, fmt.Errorf("app: register sweeper: %w", err)
	}

	a.Handler, err = httpapi.NewHandler(httpapi.Config{
		Procurement:             a.Procurement,
		Verifier:                a.Verifier,
		Events:                  a.Events,
		Customers:               stores.Customers,
		EventLog:                stores.Events,
		AutoApproveEntitlements: cfg.Marketplace.AutoApproveEntitlements,
		Logger:                  log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: http handler: %w", err)
	}

	ok = true
	return a, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops background services and closes the database and Redis
// connections.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.close()
	return err
}

func (a *Application) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("closing redis client")
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("closing database")
		}
		a.db = nil
	}
}
