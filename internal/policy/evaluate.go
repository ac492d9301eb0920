package policy

import (
	"context"

	"go.uber.org/zap"

	"mcpgate.org/internal/obs"
)

// Request is the tuple a decision is made for. Resource is empty for actions.
type Request struct {
	TenantID string
	UserID   string
	Roles    []string
	Resource string
	Action   string
}

// Decision is the evaluator's verdict.
type Decision struct {
	Allowed bool
	Reason  string
	// Rule is the rule that decided the outcome; nil for implicit deny.
	Rule *Rule
}

// OwnerOnly reports whether the granting rule restricts the caller to owned rows.
func (d Decision) OwnerOnly() bool {
	return d.Allowed && d.Rule != nil && d.Rule.Conditions.OwnerOnly
}

// MatchedRule returns the deciding rule's label, or "" for implicit deny.
func (d Decision) MatchedRule() string {
	if d.Rule == nil {
		return ""
	}
	return d.Rule.label()
}

// Result is the short form stored in audit entries.
func (d Decision) Result() string {
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}

// Evaluate decides req against set. Deny rules are checked first and win
// unconditionally; then the first matching allow rule grants; otherwise deny.
func Evaluate(req Request, set *Set) Decision {
	if set == nil {
		return Decision{Reason: "no policy configured"}
	}
	for i := range set.Rules {
		r := &set.Rules[i]
		if r.Effect == Deny && matches(r, req) {
			return Decision{Reason: "explicit deny", Rule: r}
		}
	}
	for i := range set.Rules {
		r := &set.Rules[i]
		if r.Effect == Allow && matches(r, req) {
			return Decision{Allowed: true, Reason: "allowed by rule", Rule: r}
		}
	}
	return Decision{Reason: "no matching rule"}
}

func matches(r *Rule, req Request) bool {
	if !r.Role.MatchAny(req.Roles) {
		return false
	}
	if !r.Resource.Match(req.Resource) || !r.Action.Match(req.Action) {
		return false
	}
	if r.Conditions.TenantMatch && req.TenantID == "" {
		return false
	}
	return true
}

// Evaluator evaluates requests against a fixed set and records every decision.
type Evaluator struct {
	set *Set
}

// NewEvaluator returns an evaluator over set. A nil set uses DefaultSet.
func NewEvaluator(set *Set) *Evaluator {
	if set == nil {
		set = DefaultSet()
	}
	return &Evaluator{set: set}
}

// Evaluate decides req and logs the outcome with the matched rule.
func (e *Evaluator) Evaluate(_ context.Context, req Request) Decision {
	d := Evaluate(req, e.set)
	fields := []zap.Field{
		zap.String("tenant_id", req.TenantID),
		zap.String("user_id", req.UserID),
		zap.Strings("roles", req.Roles),
		zap.String("resource", req.Resource),
		zap.String("action", req.Action),
		zap.String("decision", d.Result()),
		zap.String("reason", d.Reason),
	}
	if d.Rule != nil {
		fields = append(fields, zap.String("matched_rule", d.MatchedRule()))
	} else {
		fields = append(fields, zap.Any("matched_rule", nil))
	}
	if d.Allowed {
		obs.Logger().Info("policy decision", fields...)
	} else {
		obs.Logger().Warn("policy decision", fields...)
	}
	obs.ObservePolicyDecision(d.Result())
	return d
}
