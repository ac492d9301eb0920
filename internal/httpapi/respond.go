package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/obs"
)

// HeaderLatency reports server-side handling time in milliseconds.
const HeaderLatency = "X-Latency-Ms"

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// envelope is the shape of every JSON response.
type envelope struct {
	OK       bool           `json:"ok"`
	Data     any            `json:"data,omitempty"`
	Error    *errorBody     `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	requestID := RequestIDFromContext(r.Context())
	if env.Metadata == nil {
		env.Metadata = make(map[string]any, 1)
	}
	env.Metadata["request_id"] = requestID

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set(auth.HeaderRequestID, requestID)
	if rc, ok := auth.FromContext(r.Context()); ok {
		h.Set(auth.HeaderTenantID, rc.TenantID)
	}
	if start := startFromContext(r.Context()); !start.IsZero() {
		h.Set(HeaderLatency, strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		obs.Logger().Warn("write response failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any, meta map[string]any) {
	writeEnvelope(w, r, status, envelope{OK: true, Data: data, Metadata: meta})
}

// writeError renders err through the error taxonomy. Internal causes are
// logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.Classify(err)
	status := ae.HTTPStatus()
	if status >= http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", string(ae.Code)),
			zap.Error(err),
		)
	}
	if ae.Code == apperr.CodeRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	writeEnvelope(w, r, status, envelope{Error: &errorBody{Code: ae.Code, Message: ae.Message}})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, apperr.Newf(apperr.CodeMethodNotAllowed, "method %s not allowed", r.Method))
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, apperr.New(apperr.CodeNotFound, "route not found"))
}

// decodeJSON reads a single JSON object into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Newf(apperr.CodeValidation, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err)
	}
	if dec.More() {
		return apperr.New(apperr.CodeValidation, "unexpected data after JSON body")
	}
	return nil
}

// readRaw returns the request body, which must be empty or valid JSON.
func readRaw(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Newf(apperr.CodeValidation, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, apperr.Wrap(apperr.CodeValidation, "read request body", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, apperr.New(apperr.CodeValidation, "invalid JSON body")
	}
	return body, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.CodeValidation, fmt.Sprintf("limit must be an integer, got %q", raw))
	}
	return n, nil
}
