package resource

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/policy"
)

// Page size bounds.
const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// ListOptions are the caller-controlled list parameters.
type ListOptions struct {
	Query  string
	Limit  int
	Cursor string
}

// Page is one list result.
type Page struct {
	Items      []Record `json:"items"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// Gateway enforces policy, tenant isolation and ownership over a Store.
type Gateway struct {
	store  Store
	policy *policy.Evaluator
	audit  *audit.Recorder
}

// NewGateway wires the gateway.
func NewGateway(store Store, evaluator *policy.Evaluator, recorder *audit.Recorder) *Gateway {
	if recorder == nil {
		recorder = audit.NewRecorder(nil)
	}
	return &Gateway{store: store, policy: evaluator, audit: recorder}
}

// List returns one page of type typ visible to the caller.
func (g *Gateway) List(ctx context.Context, rc *auth.RequestContext, typ string, opts ListOptions) (page Page, err error) {
	start := time.Now()
	var decision policy.Decision
	defer func() { g.record(ctx, rc, typ+".list", decision, start, err) }()

	t, ok := Lookup(typ)
	if !ok {
		return Page{}, apperr.Newf(apperr.CodeValidation, "unknown resource type %q", typ)
	}
	roles := rc.Roles(ctx)
	decision = g.policy.Evaluate(ctx, policy.Request{
		TenantID: rc.TenantID, UserID: rc.UserID, Roles: roles, Resource: t.Name, Action: "list",
	})
	if !decision.Allowed {
		return Page{}, denied(decision)
	}

	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	q := Query{Type: t, TenantID: rc.TenantID, Search: strings.TrimSpace(opts.Query), Limit: limit + 1}
	if opts.Cursor != "" {
		c, err := DecodeCursor(opts.Cursor)
		if err != nil {
			return Page{}, apperr.New(apperr.CodeValidation, "malformed cursor")
		}
		q.After = &c
	}
	if restricted(decision, roles) {
		owned := g.ownedIDs(ctx, rc, t)
		if len(owned) == 0 {
			return Page{Items: []Record{}}, nil
		}
		q.OwnerIDs = owned
	}

	rows, err := g.store.ListRecords(ctx, q)
	if err != nil {
		return Page{}, apperr.Classify(err)
	}
	page = Page{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasMore = true
		last := page.Items[limit-1]
		page.NextCursor = Cursor{ID: last.ID, CreatedAt: last.CreatedAt}.Encode()
	}
	if page.Items == nil {
		page.Items = []Record{}
	}
	return page, nil
}

// Get returns one row. Rows outside the caller's tenant or ownership are
// reported as NOT_FOUND.
func (g *Gateway) Get(ctx context.Context, rc *auth.RequestContext, typ, id string) (rec Record, err error) {
	start := time.Now()
	var decision policy.Decision
	defer func() { g.record(ctx, rc, typ+".get", decision, start, err) }()

	t, ok := Lookup(typ)
	if !ok {
		return Record{}, apperr.Newf(apperr.CodeValidation, "unknown resource type %q", typ)
	}
	roles := rc.Roles(ctx)
	decision = g.policy.Evaluate(ctx, policy.Request{
		TenantID: rc.TenantID, UserID: rc.UserID, Roles: roles, Resource: t.Name, Action: "get",
	})
	if !decision.Allowed {
		return Record{}, denied(decision)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, apperr.New(apperr.CodeValidation, "id is required")
	}

	rec, err = g.store.GetRecord(ctx, t, rc.TenantID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, apperr.New(apperr.CodeNotFound, "resource not found")
		}
		return Record{}, apperr.Classify(err)
	}
	if t.TenantScoped && rec.TenantID != rc.TenantID {
		return Record{}, apperr.New(apperr.CodeNotFound, "resource not found")
	}
	if restricted(decision, roles) && !slices.Contains(g.ownedIDs(ctx, rc, t), rec.Owner(t.OwnerField)) {
		return Record{}, apperr.New(apperr.CodeNotFound, "resource not found")
	}
	return rec, nil
}

func restricted(d policy.Decision, roles []string) bool {
	return d.OwnerOnly() || auth.SupplierOnly(roles)
}

func (g *Gateway) ownedIDs(ctx context.Context, rc *auth.RequestContext, t Type) []string {
	if t.OwnerField == "" {
		return nil
	}
	return rc.SupplierCompanies(ctx)
}

func denied(d policy.Decision) error {
	msg := "access denied by policy"
	if rule := d.MatchedRule(); rule != "" {
		msg += " (" + rule + ")"
	}
	return apperr.New(apperr.CodePolicyDenied, msg)
}

func (g *Gateway) record(ctx context.Context, rc *auth.RequestContext, target string, d policy.Decision, start time.Time, err error) {
	e := audit.Entry{
		TenantID:    rc.TenantID,
		UserID:      rc.UserID,
		Kind:        audit.KindResource,
		Target:      target,
		Status:      audit.StatusSuccess,
		DurationMS:  time.Since(start).Milliseconds(),
		RequestID:   rc.RequestID,
		MatchedRule: d.MatchedRule(),
	}
	if d.Rule != nil || d.Reason != "" {
		e.PolicyResult = d.Result()
	}
	if err != nil {
		e.Status = audit.StatusError
		e.ErrorCode = string(apperr.CodeOf(err))
	}
	_ = g.audit.Write(ctx, e)
}
