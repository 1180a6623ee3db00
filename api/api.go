// Package api is the operator surface for the procurement pipeline: a chi
// HTTP router and a matching set of MCP tools over the same endpoints.
// Tenancy is carried on every request; the HTTP side reads it from the
// X-Tenant-ID header, the MCP side from tool arguments.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/procwatch/intake"
	"github.com/hazyhaar/procwatch/kit"
	"github.com/hazyhaar/procwatch/ledger"
	"github.com/hazyhaar/procwatch/opstore"
)

// tenantHeader carries the caller's tenant on every HTTP request.
const tenantHeader = "X-Tenant-ID"

// Server exposes the stores and the intake service over HTTP and MCP.
type Server struct {
	store  *opstore.Store
	ledger *ledger.Ledger
	svc    *intake.Service
	logger *slog.Logger
}

// New builds an operator Server. logger nil means slog.Default.
func New(store *opstore.Store, led *ledger.Ledger, svc *intake.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, ledger: led, svc: svc, logger: logger}
}

// Router builds the chi router.
//
// Routes:
//
//	GET  /health
//	POST /api/emails                   — queue a notice email for parsing
//	GET  /api/records                  — list records (status, limit filters)
//	GET  /api/records/{id}             — one record
//	GET  /api/records/{id}/children    — split child records, document order
//	GET  /api/records/{id}/snapshot    — raw page snapshot (html + markdown)
//	POST /api/records/{id}/requeue     — put the record back on the fetch lane
//	GET  /api/fingerprints/{fp}        — dedup ledger check
//	GET  /api/stats                    — per-tenant scraping status counts
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.tenantContext)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(requireTenant)

		r.Post("/emails", func(w http.ResponseWriter, r *http.Request) {
			var msg intake.EmailMessage
			if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
				writeError(w, 400, err)
				return
			}
			msg.TenantID = kit.GetTenantID(r.Context())
			if msg.MessageID == "" || msg.Body == "" || msg.TemplateID == "" {
				writeJSON(w, 400, map[string]string{"error": "message_id, body and template_id are required"})
				return
			}
			if err := s.svc.EnqueueEmail(r.Context(), &msg); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 202, map[string]string{"status": "queued", "message_id": msg.MessageID})
		})

		r.Get("/records", func(w http.ResponseWriter, r *http.Request) {
			recs, err := s.store.List(r.Context(), kit.GetTenantID(r.Context()),
				r.URL.Query().Get("status"), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, recs)
		})

		r.Get("/records/{id}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := s.store.Get(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "id"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, 200, rec)
		})

		r.Get("/records/{id}/children", func(w http.ResponseWriter, r *http.Request) {
			kids, err := s.store.Children(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, kids)
		})

		r.Get("/records/{id}/snapshot", func(w http.ResponseWriter, r *http.Request) {
			body, md, err := s.store.GetSnapshot(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "id"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"body": body, "markdown": md})
		})

		r.Post("/records/{id}/requeue", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				TemplateID string `json:"template_id"`
			}
			if r.ContentLength > 0 {
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, 400, err)
					return
				}
			}
			tenant := kit.GetTenantID(r.Context())
			resp, err := s.requeue(r.Context(), tenant, chi.URLParam(r, "id"), req.TemplateID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, 202, resp)
		})

		r.Get("/fingerprints/{fp}", func(w http.ResponseWriter, r *http.Request) {
			check, err := s.ledger.Check(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "fp"))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, checkResponse(check))
		})

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := s.store.Stats(r.Context(), kit.GetTenantID(r.Context()))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]any{"scraping_status": stats})
		})
	})

	return r
}

// requeue verifies the record exists and re-enqueues its URL on the fetch
// lane. Shared by the HTTP route and the MCP tool.
func (s *Server) requeue(ctx context.Context, tenantID, recordID, templateID string) (map[string]string, error) {
	rec, err := s.store.Get(ctx, tenantID, recordID)
	if err != nil {
		return nil, err
	}
	if rec.SourceURL == "" {
		return nil, errors.New("record has no source url")
	}
	err = s.svc.EnqueueFetch(ctx, &intake.FetchMessage{
		TenantID:   tenantID,
		RecordID:   rec.ID,
		TemplateID: templateID,
		URL:        rec.SourceURL,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"status": "queued", "record_id": rec.ID}, nil
}

func checkResponse(check ledger.CheckResult) map[string]any {
	resp := map[string]any{"exists": check.Exists}
	if check.Exists {
		resp["record_id"] = check.RecordID
		resp["action"] = check.Action
		resp["recorded_at"] = check.RecordedAt.UnixMilli()
	}
	return resp
}

// tenantContext copies the tenant header into the request context so
// handlers and anything below them read it from one place.
func (s *Server) tenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t := r.Header.Get(tenantHeader); t != "" {
			r = r.WithContext(kit.WithTenantID(r.Context(), t))
		}
		next.ServeHTTP(w, r)
	})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if kit.GetTenantID(r.Context()) == "" {
			writeJSON(w, 400, map[string]string{"error": "missing " + tenantHeader + " header"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, opstore.ErrNotFound) {
		writeError(w, 404, err)
		return
	}
	writeError(w, 500, err)
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
