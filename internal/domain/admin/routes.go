package admin

import (
	"github.com/go-chi/chi/v5"
)

// Routes returns admin router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Auth routes (no auth required)
	r.Post("/auth/login", h.Login)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.jwtSvc, h.service))

		r.Get("/auth/me", h.Me)

		r.Route("/admins", func(r chi.Router) {
			r.Use(RequirePermission(PermManageAdmins))
			r.Get("/", h.ListAdmins)
			r.Post("/", h.CreateAdmin)
			r.Patch("/{id}", h.UpdateAdmin)
		})

		r.With(RequirePermission(PermViewWithdrawals)).Get("/analytics/dashboard", h.Dashboard)

		r.Route("/audit", func(r chi.Router) {
			r.Use(RequirePermission(PermViewAuditLogs))
			r.Get("/logs", h.AuditLogs)
		})

		if h.phases != nil {
			r.Route("/phases", func(r chi.Router) {
				r.Use(RequirePermission(PermManagePhases))
				r.Get("/", h.phases.List)
				r.Post("/", h.phases.Create)
				r.Get("/progress", h.phases.Progress)
				r.Post("/advance", h.phases.Advance)
				r.Post("/reconcile", h.phases.Reconcile)
			})
		}

		if h.commissions != nil {
			r.Route("/commissions", func(r chi.Router) {
				r.Use(RequirePermission(PermManageCommissions))
				r.Post("/activate", h.commissions.Activate)
				r.Post("/cancel", h.commissions.Cancel)
			})

			r.Route("/earners/{id}", func(r chi.Router) {
				r.Use(RequirePermission(PermReconcileCredits))
				r.Get("/balance", h.commissions.Balance)
				r.Get("/entries", h.commissions.Entries)
				r.Get("/reconcile", h.commissions.Reconcile)
			})
		}

		if h.withdrawals != nil {
			r.Route("/withdrawals", func(r chi.Router) {
				r.With(RequirePermission(PermViewWithdrawals)).Get("/", h.withdrawals.List)
				r.With(RequirePermission(PermViewWithdrawals)).Get("/queue", h.withdrawals.Queue)
				r.With(RequirePermission(PermViewWithdrawals)).Get("/{id}", h.withdrawals.Get)

				r.Group(func(r chi.Router) {
					r.Use(RequirePermission(PermProcessWithdrawals))
					r.Post("/{id}/process", h.withdrawals.Process)
					r.Post("/{id}/finalize", h.withdrawals.Finalize)
					r.Post("/{id}/proof", h.withdrawals.Proof)
				})
			})
		}
	})

	return r
}
