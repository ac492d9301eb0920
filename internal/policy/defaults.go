package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var mutatingActions = []string{
	"create_project",
	"update_project_status",
	"create_task",
	"update_task_status",
	"link_external_system",
	"trigger_workflow",
}

// DefaultSet returns the built-in policy used when no policy file is configured.
func DefaultSet() *Set {
	return &Set{Rules: []Rule{
		{
			Name:   "supplier-no-actions",
			Role:   Literal("supplier"),
			Action: OneOf(mutatingActions...),
			Effect: Deny,
		},
		{
			Name:     "supplier-no-integrations",
			Role:     Literal("supplier"),
			Resource: OneOf("external_system", "application"),
			Effect:   Deny,
		},
		{
			Name:   "platform-admin-all",
			Role:   Literal("platform_admin"),
			Effect: Allow,
		},
		{
			Name:       "tenant-admin-all",
			Role:       OneOf("owner", "admin"),
			Effect:     Allow,
			Conditions: Conditions{TenantMatch: true},
		},
		{
			Name:       "member-read",
			Role:       Literal("member"),
			Resource:   Any(),
			Action:     OneOf("list", "get"),
			Effect:     Allow,
			Conditions: Conditions{TenantMatch: true},
		},
		{
			Name:       "member-actions",
			Role:       Literal("member"),
			Action:     OneOf(mutatingActions...),
			Effect:     Allow,
			Conditions: Conditions{TenantMatch: true},
		},
		{
			Name:       "supplier-read-owned",
			Role:       Literal("supplier"),
			Resource:   OneOf("supplier", "company", "project", "task"),
			Action:     OneOf("list", "get"),
			Effect:     Allow,
			Conditions: Conditions{TenantMatch: true, OwnerOnly: true},
		},
	}}
}

// Parse decodes and validates a JSON policy document of the form {"rules": [...]}.
func Parse(data []byte) (*Set, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var set Set
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// ParseYAML accepts the same document written as YAML.
func ParseYAML(data []byte) (*Set, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: decode yaml: %w", err)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("policy: decode yaml: %w", err)
	}
	return Parse(js)
}

// LoadFile reads a policy document from path. Files ending in .yaml or .yml
// are read as YAML, anything else as JSON.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	}
	return Parse(data)
}
