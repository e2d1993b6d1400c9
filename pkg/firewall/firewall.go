package firewall

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Check names reported in Result.Checks.
const (
	CheckToolKnown  = "TOOL_KNOWN"
	CheckScopeMatch = "SCOPE_MATCH"
	CheckArgsSchema = "ARGS_SCHEMA"
)

// DefaultPrefixes maps tool-name prefixes to the app scope a tool needs.
func DefaultPrefixes() map[string]string {
	return map[string]string{
		"read_notes_":  "core.notes",
		"write_notes_": "core.notes",
		"notes_":       "core.notes",
		"deploy_":      "core.ops",
		"read_files_":  "core.files",
		"files_":       "core.files",
		"settings_":    "core.settings",
		"users_":       "core.admin",
		"audit_":       "core.audit",
		"system_":      "core.system",
	}
}

type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type Result struct {
	Allowed       bool    `json:"allowed"`
	RequiredScope string  `json:"requiredScope,omitempty"`
	Checks        []Check `json:"checks"`
	BlockReason   string  `json:"blockReason,omitempty"`
}

// Failed reports whether the named check ran and did not pass.
func (r Result) Failed(name string) bool {
	for _, c := range r.Checks {
		if c.Name == name && !c.Passed {
			return true
		}
	}
	return false
}

type prefixScope struct {
	prefix string
	scope  string
}

// Firewall is a static tool-name to scope screen. Configure it with
// SetSchema before sharing; Check is then safe for concurrent use.
type Firewall struct {
	prefixes []prefixScope
	schemas  map[string]*jsonschema.Schema
}

// New builds a firewall from a prefix table. A nil table uses DefaultPrefixes.
func New(prefixes map[string]string) *Firewall {
	if prefixes == nil {
		prefixes = DefaultPrefixes()
	}
	f := &Firewall{schemas: make(map[string]*jsonschema.Schema)}
	for p, s := range prefixes {
		p = strings.TrimSpace(p)
		s = strings.TrimSpace(s)
		if p == "" || s == "" {
			continue
		}
		f.prefixes = append(f.prefixes, prefixScope{prefix: p, scope: s})
	}
	// longest prefix wins; ties broken lexically so lookup is deterministic
	sort.Slice(f.prefixes, func(i, j int) bool {
		if len(f.prefixes[i].prefix) != len(f.prefixes[j].prefix) {
			return len(f.prefixes[i].prefix) > len(f.prefixes[j].prefix)
		}
		return f.prefixes[i].prefix < f.prefixes[j].prefix
	})
	return f
}

// SetSchema attaches a JSON Schema (draft 2020-12) to a tool's arguments.
// An empty schema removes any existing one.
func (f *Firewall) SetSchema(toolName, schema string) error {
	if strings.TrimSpace(schema) == "" {
		delete(f.schemas, toolName)
		return nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://coreos.local/firewall/%s.schema.json", toolName)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("firewall schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("firewall schema compile failed: %w", err)
	}
	f.schemas[toolName] = compiled
	return nil
}

// RequiredScope resolves the scope for a tool via its longest matching prefix.
func (f *Firewall) RequiredScope(toolName string) (string, bool) {
	for _, p := range f.prefixes {
		if strings.HasPrefix(toolName, p.prefix) {
			return p.scope, true
		}
	}
	return "", false
}

// Scopes returns the distinct scopes known to the firewall, sorted.
func (f *Firewall) Scopes() []string {
	seen := map[string]bool{}
	out := []string{}
	for _, p := range f.prefixes {
		if !seen[p.scope] {
			seen[p.scope] = true
			out = append(out, p.scope)
		}
	}
	sort.Strings(out)
	return out
}

// Check screens one tool call. Unknown tools are denied.
func (f *Firewall) Check(toolName string, args map[string]any, appScope string) Result {
	required, known := f.RequiredScope(toolName)
	if !known {
		reason := fmt.Sprintf("tool %q is not registered to any scope", toolName)
		return Result{
			Checks: []Check{
				{Name: CheckToolKnown, Passed: false, Detail: reason},
				{Name: CheckScopeMatch, Passed: false, Detail: "no required scope"},
			},
			BlockReason: reason,
		}
	}
	res := Result{Allowed: true, RequiredScope: required}
	res.Checks = append(res.Checks, Check{Name: CheckToolKnown, Passed: true})
	if appScope == required {
		res.Checks = append(res.Checks, Check{Name: CheckScopeMatch, Passed: true, Detail: required})
	} else {
		reason := fmt.Sprintf("tool %q requires scope %s, request scope is %q", toolName, required, appScope)
		res.Checks = append(res.Checks, Check{Name: CheckScopeMatch, Passed: false, Detail: reason})
		res.Allowed = false
		res.BlockReason = reason
	}
	if schema, ok := f.schemas[toolName]; ok && args != nil {
		if err := schema.Validate(args); err != nil {
			reason := fmt.Sprintf("arguments for %q failed schema validation: %v", toolName, err)
			res.Checks = append(res.Checks, Check{Name: CheckArgsSchema, Passed: false, Detail: reason})
			if res.Allowed {
				res.BlockReason = reason
			}
			res.Allowed = false
		} else {
			res.Checks = append(res.Checks, Check{Name: CheckArgsSchema, Passed: true})
		}
	}
	return res
}
