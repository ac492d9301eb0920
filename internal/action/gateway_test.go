package action_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcpgate.org/internal/action"
	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/policy"
	"mcpgate.org/internal/resource"
	"mcpgate.org/internal/signing"
	"mcpgate.org/internal/store/memory"
)

type staticSecret string

func (s staticSecret) SigningSecret(context.Context, string, string) (string, error) {
	return string(s), nil
}

type missingSecret struct{}

func (missingSecret) SigningSecret(context.Context, string, string) (string, error) {
	return "", apperr.New(apperr.CodeSecretNotConfigured, "no active n8n secret configured")
}

func newGateway(t *testing.T, deps action.Deps) (*action.Gateway, *memory.Store) {
	t.Helper()
	st := memory.New()
	st.Grant(memory.Grant{TenantID: "t1", UserID: "mia", Role: auth.RoleMember})
	st.Grant(memory.Grant{TenantID: "t1", UserID: "admin", Role: auth.RoleAdmin})
	st.Grant(memory.Grant{TenantID: "t1", UserID: "sam", Role: auth.RoleSupplier, CompanyID: "c1"})
	companies, _ := resource.Lookup("company")
	require.NoError(t, st.InsertRecord(context.Background(), companies, resource.Record{ID: "c1", TenantID: "t1", CreatedAt: time.Now()}))

	deps.Records = st
	gw := action.NewGateway(policy.NewEvaluator(nil), audit.NewRecorder(st), st)
	action.RegisterBuiltins(gw, deps)
	return gw, st
}

func caller(st *memory.Store, user, key string) *auth.RequestContext {
	rc := auth.NewRequestContext("t1", user, "", auth.NewRoleCache(st))
	rc.IdempotencyKey = key
	return rc
}

func TestCreateProjectReplaysByIdempotencyKey(t *testing.T) {
	gw, st := newGateway(t, action.Deps{})
	ctx := context.Background()
	params := json.RawMessage(`{"name":"Warehouse","company_id":"c1"}`)

	first, err := gw.Execute(ctx, caller(st, "mia", "k1"), action.CreateProject, params)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := gw.Execute(ctx, caller(st, "mia", "k1"), action.CreateProject, params)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.JSONEq(t, string(first.Result), string(second.Result))

	projects, _ := resource.Lookup("project")
	rows, err := st.ListRecords(ctx, resource.Query{Type: projects, TenantID: "t1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1, "handler must run once")

	var successes int
	for _, e := range st.AuditEntries() {
		if e.Target == action.CreateProject && e.Status == audit.StatusSuccess {
			successes++
			require.Equal(t, "member-actions", e.MatchedRule)
		}
	}
	require.Equal(t, 1, successes)
}

func TestPolicyDeniesSupplierActions(t *testing.T) {
	gw, st := newGateway(t, action.Deps{})
	_, err := gw.Execute(context.Background(), caller(st, "sam", ""), action.CreateProject, json.RawMessage(`{"name":"x"}`))
	require.Equal(t, apperr.CodePolicyDenied, apperr.CodeOf(err))

	entries := st.AuditEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "denied", entries[0].PolicyResult)
	require.Equal(t, "supplier-no-actions", entries[0].MatchedRule)
}

func TestUnknownActionIsInternal(t *testing.T) {
	gw, st := newGateway(t, action.Deps{})
	_, err := gw.Execute(context.Background(), caller(st, "admin", ""), "drop_everything", nil)
	require.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
}

func TestConcurrentClaimConflicts(t *testing.T) {
	gw, st := newGateway(t, action.Deps{})
	ctx := context.Background()

	// another request holds a fresh claim on k2
	ok, err := st.ClaimKey(ctx, "t1", "k2", "other-request", time.Now().UTC(), time.Now().UTC().Add(-action.ClaimTTL))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = gw.Execute(ctx, caller(st, "mia", "k2"), action.CreateProject, json.RawMessage(`{"name":"Dup"}`))
	require.Equal(t, apperr.CodeIdempotencyInProgress, apperr.CodeOf(err))
	require.Equal(t, http.StatusConflict, apperr.Classify(err).HTTPStatus())
}

func TestFailedActionReleasesClaim(t *testing.T) {
	gw, st := newGateway(t, action.Deps{})
	ctx := context.Background()

	_, err := gw.Execute(ctx, caller(st, "mia", "k3"), action.CreateProject, json.RawMessage(`{"name":""}`))
	require.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	out, err := gw.Execute(ctx, caller(st, "mia", "k3"), action.CreateProject, json.RawMessage(`{"name":"Retry"}`))
	require.NoError(t, err)
	require.False(t, out.Replayed)
}

func TestHandlerValidation(t *testing.T) {
	gw, st := newGateway(t, action.Deps{})
	ctx := context.Background()
	cases := []struct {
		name   string
		action string
		params string
		code   apperr.Code
	}{
		{"unknown field", action.CreateProject, `{"name":"a","colour":"red"}`, apperr.CodeValidation},
		{"bad status", action.CreateProject, `{"name":"a","status":"paused"}`, apperr.CodeValidation},
		{"missing company", action.CreateProject, `{"name":"a","company_id":"nope"}`, apperr.CodeNotFound},
		{"bad due date", action.CreateTask, `{"project_id":"p","title":"t","due_date":"01/02/2025"}`, apperr.CodeValidation},
		{"missing project", action.CreateTask, `{"project_id":"p","title":"t"}`, apperr.CodeNotFound},
		{"task status", action.UpdateTaskStatus, `{"id":"x","status":"sleeping"}`, apperr.CodeValidation},
		{"bad url", action.LinkExternalSystem, `{"system":"erp","external_id":"1","url":"ftp://x"}`, apperr.CodeValidation},
		{"not json", action.CreateProject, `[`, apperr.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := gw.Execute(ctx, caller(st, "mia", ""), tc.action, json.RawMessage(tc.params))
			require.Equal(t, tc.code, apperr.CodeOf(err), "err: %v", err)
		})
	}
}

func TestCreateTaskInheritsCompanyAndUpdatesStatus(t *testing.T) {
	gw, st := newGateway(t, action.Deps{})
	ctx := context.Background()

	out, err := gw.Execute(ctx, caller(st, "mia", ""), action.CreateProject, json.RawMessage(`{"name":"Depot","company_id":"c1"}`))
	require.NoError(t, err)
	var project map[string]any
	require.NoError(t, json.Unmarshal(out.Result, &project))

	out, err = gw.Execute(ctx, caller(st, "mia", ""), action.CreateTask,
		json.RawMessage(`{"project_id":"`+project["id"].(string)+`","title":"Pour slab","due_date":"2025-06-01"}`))
	require.NoError(t, err)
	var task map[string]any
	require.NoError(t, json.Unmarshal(out.Result, &task))
	require.Equal(t, "c1", task["company_id"])
	require.Equal(t, "todo", task["status"])

	out, err = gw.Execute(ctx, caller(st, "mia", ""), action.UpdateTaskStatus,
		json.RawMessage(`{"id":"`+task["id"].(string)+`","status":"done"}`))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out.Result, &task))
	require.Equal(t, "done", task["status"])
}

func TestTriggerWorkflowSignsPayload(t *testing.T) {
	var (
		hits    atomic.Int32
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotSig = r.Header.Get(signing.HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw, st := newGateway(t, action.Deps{
		Secrets:  staticSecret("s3cret"),
		Webhooks: signing.NewClient(srv.URL, time.Second),
	})
	ctx := context.Background()

	out, err := gw.Execute(ctx, caller(st, "mia", ""), action.TriggerWorkflow, json.RawMessage(`{"workflow_key":"sync-orders","payload":{"n":1}}`))
	require.NoError(t, err)
	require.True(t, signing.Verify("s3cret", gotBody, gotSig))
	var res map[string]any
	require.NoError(t, json.Unmarshal(out.Result, &res))
	require.Equal(t, true, res["ok"])

	_, err = gw.Execute(ctx, caller(st, "mia", ""), action.TriggerWorkflow, json.RawMessage(`{"workflow_key":"broken"}`))
	require.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
	require.EqualValues(t, 2, hits.Load())
}

func TestTriggerWorkflowWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("webhook must not be called without a secret")
	}))
	defer srv.Close()

	gw, st := newGateway(t, action.Deps{Secrets: missingSecret{}, Webhooks: signing.NewClient(srv.URL, time.Second)})
	_, err := gw.Execute(context.Background(), caller(st, "mia", ""), action.TriggerWorkflow, json.RawMessage(`{"workflow_key":"x"}`))
	require.Equal(t, apperr.CodeSecretNotConfigured, apperr.CodeOf(err))
}

func TestRegisterDuplicatePanics(t *testing.T) {
	gw, _ := newGateway(t, action.Deps{})
	require.Panics(t, func() { gw.Register(action.CreateProject, nil) })
	require.Contains(t, gw.Names(), action.TriggerWorkflow)
}
