package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/resource"
)

func caller(r *http.Request) *auth.RequestContext {
	rc, _ := auth.FromContext(r.Context())
	return rc
}

// ListResources handles GET /resources/{type}?q=&limit=&cursor=.
func (a *API) ListResources(w http.ResponseWriter, r *http.Request) {
	typ := chi.URLParam(r, "type")
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		a.reject(w, r, typ+".list", err)
		return
	}
	page, err := a.resources.List(r.Context(), caller(r), typ, resource.ListOptions{
		Query:  q.Get("q"),
		Limit:  limit,
		Cursor: q.Get("cursor"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, page, map[string]any{"type": typ, "count": len(page.Items)})
}

// GetResource handles GET /resources/{type}/{id}.
func (a *API) GetResource(w http.ResponseWriter, r *http.Request) {
	typ := chi.URLParam(r, "type")
	rec, err := a.resources.Get(r.Context(), caller(r), typ, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rec, map[string]any{"type": typ})
}

// ExecuteAction handles POST /actions/{action}. The body is the action's
// parameter object; Idempotency-Key deduplicates retries.
func (a *API) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "action")
	params, err := readRaw(r)
	if err != nil {
		a.reject(w, r, name, err)
		return
	}
	out, err := a.actions.Execute(r.Context(), caller(r), name, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out.Result, map[string]any{
		"action":   out.Action,
		"replayed": out.Replayed,
	})
}
