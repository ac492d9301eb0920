// Package action executes named side-effecting operations with idempotency-key
// deduplication and audit logging.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/obs"
	"mcpgate.org/internal/policy"
)

// ClaimTTL is how long an unfinished claim blocks other callers using the same key.
const ClaimTTL = 5 * time.Minute

// Call is what a handler receives.
type Call struct {
	RC     *auth.RequestContext
	Params json.RawMessage
}

// Handler performs one action and returns a JSON-serializable result.
type Handler func(ctx context.Context, call Call) (any, error)

// ClaimStore serializes executions that share an idempotency key.
type ClaimStore interface {
	// ClaimKey records requestID as the owner of (tenant, key). It fails
	// (false) while another owner's claim is younger than staleBefore.
	ClaimKey(ctx context.Context, tenantID, key, requestID string, now, staleBefore time.Time) (bool, error)
	// ReleaseKey drops the claim if requestID still owns it.
	ReleaseKey(ctx context.Context, tenantID, key, requestID string) error
}

// Outcome is the result of Execute.
type Outcome struct {
	Action   string          `json:"action"`
	Result   json.RawMessage `json:"result"`
	Replayed bool            `json:"replayed"`
}

// Gateway dispatches actions.
type Gateway struct {
	handlers map[string]Handler
	policy   *policy.Evaluator
	audit    *audit.Recorder
	claims   ClaimStore
	now      func() time.Time
}

// NewGateway returns a gateway without handlers. A nil ClaimStore disables
// the claim step and leaves only replay-based deduplication.
func NewGateway(evaluator *policy.Evaluator, recorder *audit.Recorder, claims ClaimStore) *Gateway {
	if recorder == nil {
		recorder = audit.NewRecorder(nil)
	}
	return &Gateway{
		handlers: make(map[string]Handler),
		policy:   evaluator,
		audit:    recorder,
		claims:   claims,
		now:      time.Now,
	}
}

// Register adds a handler. Registering a name twice panics.
func (g *Gateway) Register(name string, h Handler) {
	if _, dup := g.handlers[name]; dup {
		panic(fmt.Sprintf("action: duplicate handler %q", name))
	}
	g.handlers[name] = h
}

// Names lists registered actions, sorted.
func (g *Gateway) Names() []string {
	names := make([]string, 0, len(g.handlers))
	for n := range g.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs action name. With an idempotency key, a previous successful
// result for the same tenant and key is returned without re-executing.
func (g *Gateway) Execute(ctx context.Context, rc *auth.RequestContext, name string, params json.RawMessage) (Outcome, error) {
	start := time.Now()
	key := rc.IdempotencyKey
	entry := audit.Entry{
		TenantID:       rc.TenantID,
		UserID:         rc.UserID,
		Kind:           audit.KindAction,
		Target:         name,
		RequestID:      rc.RequestID,
		IdempotencyKey: key,
	}
	log := obs.Logger().With(
		zap.String("request_id", rc.RequestID),
		zap.String("tenant_id", rc.TenantID),
		zap.String("user_id", rc.UserID),
		zap.String("action", name),
	)

	if out, ok := g.replay(ctx, rc, name, key, log); ok {
		return out, nil
	}

	decision := g.policy.Evaluate(ctx, policy.Request{
		TenantID: rc.TenantID, UserID: rc.UserID, Roles: rc.Roles(ctx), Action: name,
	})
	entry.PolicyResult = decision.Result()
	entry.MatchedRule = decision.MatchedRule()
	if !decision.Allowed {
		log.Warn("action denied by policy", zap.String("matched_rule", decision.MatchedRule()), zap.String("reason", decision.Reason))
		err := apperr.New(apperr.CodePolicyDenied, "action denied by policy")
		g.fail(ctx, entry, start, err)
		return Outcome{}, err
	}

	h, ok := g.handlers[name]
	if !ok {
		err := apperr.Newf(apperr.CodeInternal, "unknown action %q", name)
		log.Error("unknown action")
		g.fail(ctx, entry, start, err)
		return Outcome{}, err
	}

	if key != "" && g.claims != nil {
		now := g.now().UTC()
		claimed, err := g.claims.ClaimKey(ctx, rc.TenantID, key, rc.RequestID, now, now.Add(-ClaimTTL))
		if err != nil {
			err = apperr.Wrap(apperr.CodeInternal, "claim idempotency key", err)
			g.fail(ctx, entry, start, err)
			return Outcome{}, err
		}
		if !claimed {
			// The holder may have finished between the replay check and the claim.
			if out, ok := g.replay(ctx, rc, name, key, log); ok {
				return out, nil
			}
			err := apperr.New(apperr.CodeIdempotencyInProgress, "a request with this idempotency key is already in progress")
			g.fail(ctx, entry, start, err)
			return Outcome{}, err
		}
	}

	result, err := g.dispatch(ctx, h, Call{RC: rc, Params: params})
	var raw json.RawMessage
	if err == nil {
		raw, err = json.Marshal(result)
		if err != nil {
			err = apperr.Wrap(apperr.CodeInternal, "encode action result", err)
		}
	}
	if err != nil {
		if key != "" && g.claims != nil {
			if rerr := g.claims.ReleaseKey(ctx, rc.TenantID, key, rc.RequestID); rerr != nil {
				log.Warn("release idempotency claim", zap.Error(rerr))
			}
		}
		classified := apperr.Classify(err)
		log.Warn("action failed", zap.String("code", string(classified.Code)), zap.Error(err))
		g.fail(ctx, entry, start, classified)
		return Outcome{}, classified
	}

	entry.Status = audit.StatusSuccess
	entry.Result = raw
	entry.DurationMS = time.Since(start).Milliseconds()
	_ = g.audit.Write(ctx, entry)
	obs.ObserveAction(name, string(audit.StatusSuccess))
	return Outcome{Action: name, Result: raw}, nil
}

func (g *Gateway) replay(ctx context.Context, rc *auth.RequestContext, name, key string, log *zap.Logger) (Outcome, bool) {
	if key == "" {
		return Outcome{}, false
	}
	prev, ok, err := g.audit.LatestSuccess(ctx, rc.TenantID, key)
	if err != nil {
		log.Warn("idempotency lookup failed", zap.Error(err))
		return Outcome{}, false
	}
	if !ok {
		return Outcome{}, false
	}
	log.Info("idempotent replay", zap.String("idempotency_key", key), zap.String("original_request_id", prev.RequestID))
	obs.ObserveAction(name, "replayed")
	return Outcome{Action: prev.Target, Result: prev.Result, Replayed: true}, true
}

// dispatch converts handler panics into internal errors so the failure is audited.
func (g *Gateway) dispatch(ctx context.Context, h Handler, call Call) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action handler panic: %v", p)
		}
	}()
	return h(ctx, call)
}

func (g *Gateway) fail(ctx context.Context, e audit.Entry, start time.Time, err error) {
	e.Status = audit.StatusError
	e.DurationMS = time.Since(start).Milliseconds()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		e.ErrorCode = string(ae.Code)
		e.ErrorMessage = ae.Message
	}
	_ = g.audit.Write(ctx, e)
	label := e.Target
	if _, ok := g.handlers[label]; !ok {
		label = "unknown"
	}
	obs.ObserveAction(label, string(audit.StatusError))
}
