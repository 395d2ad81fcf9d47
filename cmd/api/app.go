package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"whatsapp-engagement/internal/assist"
	"whatsapp-engagement/internal/audit"
	"whatsapp-engagement/internal/auth"
	"whatsapp-engagement/internal/config"
	"whatsapp-engagement/internal/conversation"
	"whatsapp-engagement/internal/fsm"
	"whatsapp-engagement/internal/httpapi"
	"whatsapp-engagement/internal/leads"
	"whatsapp-engagement/internal/notify"
	"whatsapp-engagement/internal/outbox"
	"whatsapp-engagement/internal/rbac"
	"whatsapp-engagement/internal/reporting"
	"whatsapp-engagement/internal/session"
	"whatsapp-engagement/internal/whatsapp"
	"whatsapp-engagement/pkg/utils"
)

// app holds every long-lived dependency of the API process.
type app struct {
	cfg config.Config
	log *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	sessions session.Store
	janitor  *session.Janitor
	worker   *outbox.Worker
	notifier *notify.Async
	amqp     *notify.AMQPPublisher

	handlers httpapi.Handlers
	webhook  whatsapp.WebhookHandler
}

// newApp opens the configured stores and wires services. Without DB_HOST
// every repository is in memory.
func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if cfg.HasDB() {
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, err
		}
		a.db = db
		schema := [][]string{
			session.PostgresSchema,
			outbox.PostgresSchema,
			conversation.PostgresSchema,
			leads.PostgresSchema,
			audit.PostgresSchema,
		}
		for _, stmts := range schema {
			if err := utils.ApplySchema(ctx, db, stmts...); err != nil {
				a.close(context.Background())
				return nil, err
			}
		}
	}
	if cfg.HasRedis() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.rdb = rdb
	}

	var (
		obRepo    outbox.Repository
		convRepo  conversation.Repository
		leadRepo  leads.Repository
		auditRepo audit.Repository
	)
	if a.db != nil {
		obRepo = outbox.NewPostgresRepo(a.db)
		convRepo = conversation.NewPostgresRepo(a.db)
		leadRepo = leads.NewPostgresRepo(a.db)
		auditRepo = audit.NewPostgresRepo(a.db)
	} else {
		log.Warn("DB_HOST not set, using in-memory repositories")
		obRepo = outbox.NewMemoryRepo()
		convRepo = conversation.NewMemoryRepo()
		leadRepo = leads.NewMemoryRepo()
		auditRepo = audit.NewMemoryRepo()
	}

	switch cfg.Session.Backend {
	case config.SessionBackendRedis:
		a.sessions = session.NewRedisStore(a.rdb, cfg.Session.TTL)
	case config.SessionBackendPostgres:
		a.sessions = session.NewPostgresStore(a.db, cfg.Session.TTL)
	default:
		a.sessions = session.NewMemoryStore(cfg.Session.TTL)
	}
	a.janitor = session.NewJanitor(a.sessions, cfg.Session.CleanupInterval, log.With("component", "session_janitor"))

	notifiers := notify.Multi{notify.LogNotifier{Log: log.With("component", "notify")}}
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.Notify.AMQPURL, cfg.Notify.Exchange)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.amqp = pub
		notifiers = append(notifiers, pub)
	}
	if cfg.Notify.SMTPHost != "" {
		notifiers = append(notifiers, notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			User:     cfg.Notify.SMTPUser,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.From,
			To:       cfg.Notify.StaffEmails,
		}))
	}
	a.notifier = notify.NewAsync(notifiers, 256, log.With("component", "notify"))

	driver, err := whatsapp.NewDriver(whatsapp.Config{
		Driver: cfg.WhatsApp.Driver,
		Cloud: whatsapp.CloudConfig{
			AccessToken:   cfg.WhatsApp.AccessToken,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			APIVersion:    cfg.WhatsApp.APIVersion,
			BaseURL:       cfg.WhatsApp.BaseURL,
		},
		AllowMockFallback: cfg.WhatsApp.AllowMockFallback,
	}, log)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	leadSvc := leads.NewService(leadRepo)
	engine := fsm.NewEngine(a.sessions, leadSvc)
	writer := outbox.NewWriter(obRepo)
	convs := conversation.NewService(convRepo, engine, writer, a.sessions, a.notifier)

	a.worker = outbox.NewWorker(obRepo, driver, convs, outbox.WorkerConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		BackoffBase:  cfg.Outbox.BackoffBase,
		BackoffMax:   cfg.Outbox.BackoffMax,
		SendTimeout:  cfg.Outbox.SendTimeout,
	}, log.With("component", "outbox_worker", "driver", driver.Name()))

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	accounts := auth.NewAccounts(
		auth.Account{User: cfg.Auth.AdminUser, Password: cfg.Auth.AdminPassword, Role: rbac.RoleAdmin},
		auth.Account{User: cfg.Auth.AgentUser, Password: cfg.Auth.AgentPassword, Role: rbac.RoleAgent},
	)
	if accounts.Len() == 0 {
		log.Warn("no operator accounts configured, /auth/login will reject every request")
	}

	a.handlers = httpapi.Handlers{
		Auth:          authManager,
		Accounts:      accounts,
		Conversations: convs,
		Outbox:        obRepo,
		Leads:         leadSvc,
		Reports:       reporting.NewService(reporting.Sources{Outbox: obRepo, Conversations: convs, Leads: leadSvc}, 0),
		Assist:        assist.New(assist.Config{URL: cfg.Assist.URL, APIKey: cfg.Assist.APIKey, Timeout: cfg.Assist.Timeout}),
		Audit:         audit.NewService(auditRepo),
	}
	a.webhook = whatsapp.WebhookHandler{
		Inbound:     convs,
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AppSecret:   cfg.WhatsApp.AppSecret,
	}
	return a, nil
}

// start launches the background loops. They stop when ctx is done or on close.
func (a *app) start(ctx context.Context) error {
	go a.janitor.Run(ctx)
	return a.worker.Start(ctx)
}

// health pings the configured stores.
func (a *app) health(ctx context.Context) map[string]string {
	out := map[string]string{}
	if a.db != nil {
		out["postgres"] = statusOf(utils.HealthCheck(ctx, a.db, 2*time.Second))
	}
	if a.rdb != nil {
		out["redis"] = statusOf(utils.RedisHealthCheck(ctx, a.rdb, 2*time.Second))
	}
	return out
}

func statusOf(err error) string {
	if err != nil {
		return "down"
	}
	return "ok"
}

// close stops the worker first so no delivery is cut short, then drains
// notifications and closes the stores.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.worker != nil {
		if err := a.worker.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
