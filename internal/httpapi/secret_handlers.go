package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/secrets"
)

type providerRequest struct {
	Provider string `json:"provider"`
}

type revealRequest struct {
	Token string `json:"token"`
}

type pingRequest struct {
	Provider    string `json:"provider"`
	WorkflowKey string `json:"workflow_key"`
}

type verifyCallbackRequest struct {
	Provider  string          `json:"provider"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// signedBytes returns the bytes a sender would have signed: the content of a
// JSON string payload, or the raw JSON otherwise.
func (v verifyCallbackRequest) signedBytes() []byte {
	var s string
	if err := json.Unmarshal(v.Payload, &s); err == nil {
		return []byte(s)
	}
	return v.Payload
}

func (a *API) ListSecrets(w http.ResponseWriter, r *http.Request) {
	list, err := a.secrets.List(r.Context(), caller(r), r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []secrets.Metadata{}
	}
	writeData(w, r, http.StatusOK, list, map[string]any{"count": len(list)})
}

func (a *API) CreateSecret(w http.ResponseWriter, r *http.Request) {
	a.issueSecret(w, r, secrets.ActionCreate, a.secrets.Create)
}

func (a *API) RotateSecret(w http.ResponseWriter, r *http.Request) {
	a.issueSecret(w, r, secrets.ActionRotate, a.secrets.Rotate)
}

type issueFunc func(ctx context.Context, rc *auth.RequestContext, provider string) (secrets.Issued, error)

// issueSecret returns the new secret's metadata as data. The one-time reveal
// token travels in metadata so it is never mistaken for part of the record.
func (a *API) issueSecret(w http.ResponseWriter, r *http.Request, target string, issue issueFunc) {
	var req providerRequest
	if err := decodeJSON(r, &req); err != nil {
		a.reject(w, r, target, err)
		return
	}
	out, err := issue(r.Context(), caller(r), req.Provider)
	if err != nil {
		writeError(w, r, err)
		return
	}
	meta := map[string]any{
		"reveal_once_token": out.RevealOnceToken,
		"reveal_expires_at": out.RevealExpiresAt.UTC().Format(time.RFC3339),
	}
	if out.ReplacedID != "" {
		meta["replaced_id"] = out.ReplacedID
	}
	writeData(w, r, http.StatusCreated, out.Secret, meta)
}

func (a *API) DeactivateSecret(w http.ResponseWriter, r *http.Request) {
	meta, err := a.secrets.Deactivate(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, meta, nil)
}

func (a *API) RevealSecret(w http.ResponseWriter, r *http.Request) {
	var req revealRequest
	if err := decodeJSON(r, &req); err != nil {
		a.reject(w, r, secrets.ActionReveal, err)
		return
	}
	plain, err := a.secrets.Reveal(r.Context(), caller(r), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"secret": plain}, nil)
}

func (a *API) PingWorkflow(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := decodeJSON(r, &req); err != nil {
		a.reject(w, r, secrets.ActionPing, err)
		return
	}
	res, err := a.secrets.Ping(r.Context(), caller(r), req.Provider, req.WorkflowKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res, nil)
}

func (a *API) VerifyCallback(w http.ResponseWriter, r *http.Request) {
	var req verifyCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		a.reject(w, r, secrets.ActionVerifyCallback, err)
		return
	}
	res, err := a.secrets.VerifyCallback(r.Context(), caller(r), req.Provider, req.signedBytes(), req.Signature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res, nil)
}

func (a *API) SecretHealth(w http.ResponseWriter, r *http.Request) {
	h, err := a.secrets.Health(r.Context(), caller(r), r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, h, nil)
}
