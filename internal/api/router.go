package api

import (
	"net/http"

	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/idempotency"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the full HTTP surface. idemStore may be nil, which turns
// idempotency replays off.
func NewRouter(h *Handlers, idemStore *idempotency.Store, log logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(withActor)
	r.Use(measure)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(idempotent(idemStore, log))

			r.Post("/jobs", h.createJob)
			r.Post("/jobs/{jobID}/bids", h.placeBid)
			r.Post("/jobs/{jobID}/bids/{bidID}/accept", h.acceptBid)
			r.Post("/jobs/{jobID}/start", h.startWork)
			r.Post("/jobs/{jobID}/cancel", h.cancelJob)

			r.Post("/holds/{holdID}/confirm", h.confirmHold)
			r.Post("/holds/{holdID}/dispute", h.disputeHold)
		})

		r.Get("/jobs/{jobID}", h.getJob)
		r.Get("/jobs/{jobID}/bids", h.listBids)
		r.Get("/holds/{holdID}", h.getHold)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin(log))

			r.Group(func(r chi.Router) {
				r.Use(idempotent(idemStore, log))
				r.Post("/holds/{holdID}/release", h.adminRelease)
				r.Post("/holds/{holdID}/refund", h.adminRefund)
			})
			r.Get("/audit", h.adminAudit)
		})
	})

	return r
}
