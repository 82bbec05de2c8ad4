package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/aseriousbiz/abbot-web-sub006/internal/middleware"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

// RouterConfig holds the settings the router needs.
type RouterConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

// Handlers are the endpoints mounted by NewRouter. Nil handlers leave
// their routes unmounted.
type Handlers struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Tickets       *TicketHandler
	Events        *EventStreamHandler
	ZendeskHooks  *ZendeskWebhookHandler
	SlackEvents   *SlackEventsHandler
}

// NewRouter builds the service's HTTP routes.
func NewRouter(h Handlers, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/webhooks", func(r chi.Router) {
		if h.ZendeskHooks != nil {
			r.With(middleware.WebhookRateLimit(cfg.RateLimitRequests*10, cfg.RateLimitWindow)).
				Post("/zendesk/{organizationID}", h.ZendeskHooks.Receive)
		}
		if h.SlackEvents != nil {
			r.Post("/slack/events", h.SlackEvents.Receive)
		}
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.AllowedOrigins))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.Identify)
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			if h.Conversations != nil {
				r.Get("/", h.Conversations.List)
			}

			r.Route("/{id}", func(r chi.Router) {
				if h.Conversations != nil {
					r.Get("/", h.Conversations.Get)
					r.Get("/timeline", h.Conversations.Timeline)
					r.Put("/state", h.Conversations.ChangeState)
				}
				if h.Tickets != nil {
					r.Post("/zendesk-ticket", h.Tickets.Create)
				}
				if h.Events != nil {
					r.Get("/events", h.Events.Stream)
				}
			})
		})
	})

	return r
}
