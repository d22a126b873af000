/**
 * @description
 * This file sets up the HTTP router for the payments core. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware stack: request ids, access logging, metrics, CORS and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/metrics"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	Auth           AuthConfig
	InternalAPIKey string
	AllowedOrigins []string
	Logger         *zap.Logger

	// authMiddleware replaces ClerkAuthMiddleware in tests.
	authMiddleware func(http.Handler) http.Handler
}

// NewRouter creates and returns the router for the payments core.
func NewRouter(h *TransactionHandlers, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	auth := cfg.authMiddleware
	if auth == nil {
		auth = ClerkAuthMiddleware(cfg.Auth, logger)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Idempotency-Key", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/transactions", func(r chi.Router) {
		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
			r.Post("/settlement-events", h.SettlementEventHandler)
			r.Post("/money-drops/expire", h.ExpireMoneyDropsHandler)
			r.Post("/subscription-fees", h.SubscriptionFeeHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Post("/p2p", h.P2PTransferHandler)
			r.Post("/bulk-p2p", h.BulkP2PTransferHandler)
			r.Post("/withdrawals", h.WithdrawalHandler)
			r.Get("/batches/{id}", h.GetTransferBatchHandler)
			r.Get("/balance", h.GetAccountBalanceHandler)
			r.Get("/fees", h.GetFeesHandler)
			r.Put("/pin", h.SetTransactionPINHandler)

			// Beneficiary management endpoints
			r.Get("/beneficiaries", h.ListBeneficiariesHandler)
			r.Get("/beneficiaries/default", h.GetDefaultBeneficiaryHandler)
			r.Put("/beneficiaries/default", h.SetDefaultBeneficiaryHandler)

			r.Route("/payment-requests", func(r chi.Router) {
				r.Post("/", h.CreatePaymentRequestHandler)
				r.Get("/", h.ListPaymentRequestsHandler)
				r.Get("/incoming", h.ListIncomingPaymentRequestsHandler)
				r.Get("/incoming/{id}", h.GetIncomingPaymentRequestHandler)
				r.Post("/incoming/{id}/pay", h.PayIncomingPaymentRequestHandler)
				r.Post("/incoming/{id}/decline", h.DeclineIncomingPaymentRequestHandler)
				r.Get("/{id}", h.GetPaymentRequestByIDHandler)
				r.Delete("/{id}", h.DeletePaymentRequestHandler)
			})

			r.Route("/transfer-lists", func(r chi.Router) {
				r.Get("/", h.ListTransferListsHandler)
				r.Post("/", h.CreateTransferListHandler)
				r.Get("/{id}", h.GetTransferListHandler)
				r.Put("/{id}", h.UpdateTransferListHandler)
				r.Delete("/{id}", h.DeleteTransferListHandler)
				r.Post("/{id}/members/toggle", h.ToggleTransferListMemberHandler)
			})

			r.Route("/money-drops", func(r chi.Router) {
				r.Post("/", h.CreateMoneyDropHandler)
				r.Get("/{drop_id}/details", h.GetMoneyDropDetailsHandler)
				r.Post("/{drop_id}/claim", h.ClaimMoneyDropHandler)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", h.ListInAppNotificationsHandler)
				r.Get("/unread-counts", h.GetInAppNotificationUnreadCountsHandler)
				r.Post("/read-all", h.MarkAllInAppNotificationsReadHandler)
				r.Post("/{id}/read", h.MarkInAppNotificationReadHandler)
			})

			r.Get("/", h.GetTransactionHistoryHandler)
			r.Get("/{id}", h.GetTransactionByIDHandler)
		})
	})

	return r
}
