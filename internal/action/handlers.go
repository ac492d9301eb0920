package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/ids"
	"mcpgate.org/internal/resource"
	"mcpgate.org/internal/signing"
)

// Action names.
const (
	CreateProject       = "create_project"
	UpdateProjectStatus = "update_project_status"
	CreateTask          = "create_task"
	UpdateTaskStatus    = "update_task_status"
	LinkExternalSystem  = "link_external_system"
	TriggerWorkflow     = "trigger_workflow"
)

// WorkflowProvider is the secret provider used to sign workflow triggers.
const WorkflowProvider = "n8n"

var (
	projectStatuses = []string{"planned", "active", "on_hold", "completed", "cancelled"}
	taskStatuses    = []string{"todo", "in_progress", "blocked", "done"}
)

// Records is the domain write surface used by handlers.
type Records interface {
	InsertRecord(ctx context.Context, t resource.Type, r resource.Record) error
	// UpdateRecord merges attrs into the row and returns the updated row.
	UpdateRecord(ctx context.Context, t resource.Type, tenantID, id string, attrs map[string]any, at time.Time) (resource.Record, error)
	GetRecord(ctx context.Context, t resource.Type, tenantID, id string) (resource.Record, error)
}

// SecretSource yields the plaintext signing secret for a tenant and provider.
type SecretSource interface {
	SigningSecret(ctx context.Context, tenantID, provider string) (string, error)
}

// WebhookSender posts signed payloads.
type WebhookSender interface {
	Configured() bool
	Send(ctx context.Context, path, tenantID, requestID, secret string, payload any) (signing.Delivery, error)
}

// Deps are the collaborators of the built-in handlers.
type Deps struct {
	Records  Records
	Secrets  SecretSource
	Webhooks WebhookSender
	Now      func() time.Time
}

// RegisterBuiltins installs every built-in handler on g.
func RegisterBuiltins(g *Gateway, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}
	g.Register(CreateProject, h.createProject)
	g.Register(UpdateProjectStatus, h.updateProjectStatus)
	g.Register(CreateTask, h.createTask)
	g.Register(UpdateTaskStatus, h.updateTaskStatus)
	g.Register(LinkExternalSystem, h.linkExternalSystem)
	g.Register(TriggerWorkflow, h.triggerWorkflow)
}

type handlers struct {
	Deps
}

func mustType(name string) resource.Type {
	t, ok := resource.Lookup(name)
	if !ok {
		panic("action: unknown resource type " + name)
	}
	return t
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid params: "+err.Error(), err)
	}
	return nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperr.Newf(apperr.CodeValidation, "%s is required", field)
	}
	return nil
}

func oneOf(field, v string, allowed []string) error {
	if !slices.Contains(allowed, v) {
		return apperr.Newf(apperr.CodeValidation, "%s must be one of %s", field, strings.Join(allowed, ", "))
	}
	return nil
}

func notFound(kind string, err error) error {
	if errors.Is(err, resource.ErrNotFound) {
		return apperr.Newf(apperr.CodeNotFound, "%s not found", kind)
	}
	return err
}

type createProjectParams struct {
	Name        string `json:"name"`
	CompanyID   string `json:"company_id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

func (h *handlers) createProject(ctx context.Context, call Call) (any, error) {
	var p createProjectParams
	if err := decodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if err := required("name", p.Name); err != nil {
		return nil, err
	}
	if len(p.Name) > 200 {
		return nil, apperr.New(apperr.CodeValidation, "name must be at most 200 characters")
	}
	if p.Status == "" {
		p.Status = "planned"
	}
	if err := oneOf("status", p.Status, projectStatuses); err != nil {
		return nil, err
	}
	if p.CompanyID != "" {
		if _, err := h.Records.GetRecord(ctx, mustType("company"), call.RC.TenantID, p.CompanyID); err != nil {
			return nil, notFound("company", err)
		}
	}

	now := h.Now().UTC()
	rec := resource.Record{
		ID:        ids.NewAt(now),
		TenantID:  call.RC.TenantID,
		CompanyID: p.CompanyID,
		CreatedAt: now,
		UpdatedAt: now,
		Attributes: map[string]any{
			"name":        strings.TrimSpace(p.Name),
			"description": p.Description,
			"status":      p.Status,
			"created_by":  call.RC.UserID,
		},
	}
	if err := h.Records.InsertRecord(ctx, mustType("project"), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type statusParams struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (h *handlers) updateProjectStatus(ctx context.Context, call Call) (any, error) {
	return h.updateStatus(ctx, call, "project", projectStatuses)
}

func (h *handlers) updateTaskStatus(ctx context.Context, call Call) (any, error) {
	return h.updateStatus(ctx, call, "task", taskStatuses)
}

func (h *handlers) updateStatus(ctx context.Context, call Call, typ string, allowed []string) (any, error) {
	var p statusParams
	if err := decodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if err := required("id", p.ID); err != nil {
		return nil, err
	}
	if err := oneOf("status", p.Status, allowed); err != nil {
		return nil, err
	}
	rec, err := h.Records.UpdateRecord(ctx, mustType(typ), call.RC.TenantID, p.ID,
		map[string]any{"status": p.Status, "updated_by": call.RC.UserID}, h.Now().UTC())
	if err != nil {
		return nil, notFound(typ, err)
	}
	return rec, nil
}

type createTaskParams struct {
	ProjectID  string `json:"project_id"`
	Title      string `json:"title"`
	AssigneeID string `json:"assignee_id"`
	DueDate    string `json:"due_date"`
}

func (h *handlers) createTask(ctx context.Context, call Call) (any, error) {
	var p createTaskParams
	if err := decodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if err := required("project_id", p.ProjectID); err != nil {
		return nil, err
	}
	if err := required("title", p.Title); err != nil {
		return nil, err
	}
	if p.DueDate != "" {
		if _, err := time.Parse(time.DateOnly, p.DueDate); err != nil {
			return nil, apperr.New(apperr.CodeValidation, "due_date must be YYYY-MM-DD")
		}
	}
	project, err := h.Records.GetRecord(ctx, mustType("project"), call.RC.TenantID, p.ProjectID)
	if err != nil {
		return nil, notFound("project", err)
	}

	now := h.Now().UTC()
	rec := resource.Record{
		ID:        ids.NewAt(now),
		TenantID:  call.RC.TenantID,
		CompanyID: project.CompanyID,
		CreatedAt: now,
		UpdatedAt: now,
		Attributes: map[string]any{
			"project_id":  project.ID,
			"title":       strings.TrimSpace(p.Title),
			"status":      "todo",
			"assignee_id": p.AssigneeID,
			"due_date":    p.DueDate,
			"created_by":  call.RC.UserID,
		},
	}
	if err := h.Records.InsertRecord(ctx, mustType("task"), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type linkParams struct {
	System     string `json:"system"`
	ExternalID string `json:"external_id"`
	CompanyID  string `json:"company_id"`
	URL        string `json:"url"`
}

func (h *handlers) linkExternalSystem(ctx context.Context, call Call) (any, error) {
	var p linkParams
	if err := decodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if err := required("system", p.System); err != nil {
		return nil, err
	}
	if err := required("external_id", p.ExternalID); err != nil {
		return nil, err
	}
	if p.URL != "" && !strings.HasPrefix(p.URL, "https://") && !strings.HasPrefix(p.URL, "http://") {
		return nil, apperr.New(apperr.CodeValidation, "url must be http or https")
	}

	now := h.Now().UTC()
	rec := resource.Record{
		ID:        ids.NewAt(now),
		TenantID:  call.RC.TenantID,
		CompanyID: p.CompanyID,
		CreatedAt: now,
		UpdatedAt: now,
		Attributes: map[string]any{
			"name":        strings.ToLower(strings.TrimSpace(p.System)),
			"external_id": p.ExternalID,
			"url":         p.URL,
			"linked_by":   call.RC.UserID,
		},
	}
	if err := h.Records.InsertRecord(ctx, mustType("external_system"), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type triggerParams struct {
	WorkflowKey string          `json:"workflow_key"`
	Payload     json.RawMessage `json:"payload"`
}

type triggerResult struct {
	WorkflowKey string `json:"workflow_key"`
	Status      int    `json:"status"`
	OK          bool   `json:"ok"`
	LatencyMS   int64  `json:"latency_ms"`
}

func (h *handlers) triggerWorkflow(ctx context.Context, call Call) (any, error) {
	var p triggerParams
	if err := decodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	key := strings.Trim(strings.TrimSpace(p.WorkflowKey), "/")
	if key == "" {
		return nil, apperr.New(apperr.CodeValidation, "workflow_key is required")
	}
	if h.Webhooks == nil || !h.Webhooks.Configured() {
		return nil, apperr.New(apperr.CodeValidation, "webhook base url is not configured")
	}
	if h.Secrets == nil {
		return nil, apperr.New(apperr.CodeSecretNotConfigured, "no signing secret configured")
	}
	secret, err := h.Secrets.SigningSecret(ctx, call.RC.TenantID, WorkflowProvider)
	if err != nil {
		return nil, err
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}

	body := map[string]any{
		"event":        "workflow.trigger",
		"workflow_key": key,
		"tenant_id":    call.RC.TenantID,
		"user_id":      call.RC.UserID,
		"request_id":   call.RC.RequestID,
		"payload":      p.Payload,
	}
	d, err := h.Webhooks.Send(ctx, key, call.RC.TenantID, call.RC.RequestID, secret, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "workflow webhook failed", err)
	}
	if !d.OK() {
		return nil, apperr.Wrap(apperr.CodeInternal, "workflow webhook failed", fmt.Errorf("webhook returned status %d", d.Status))
	}
	return triggerResult{WorkflowKey: key, Status: d.Status, OK: true, LatencyMS: d.LatencyMS()}, nil
}
