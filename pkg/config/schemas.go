package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, src := range map[string]string{
		"config":   builtinConfigSchema,
		"analyzer": builtinAnalyzerSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(fmt.Sprintf("invalid built-in schema %s: %v", name, err))
		}
	}
	return sr
}

// RegisterSchema compiles a CUE schema. The source must declare exactly one
// top-level definition; data is validated against it.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def, err := soleDefinition(val)
	if err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

func soleDefinition(val cue.Value) (cue.Value, error) {
	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return cue.Value{}, err
	}
	var (
		found cue.Value
		count int
	)
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			found = iter.Value()
			count++
		}
	}
	if count != 1 {
		return cue.Value{}, fmt.Errorf("expected one definition, found %d", count)
	}
	return found, nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Data is
// round-tripped through YAML so field names match the configuration file.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	sr.mu.RLock()
	dataVal := sr.ctx.Encode(doc)
	sr.mu.RUnlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateConfig validates a loaded configuration against the config schema.
func (sr *SchemaRegistry) ValidateConfig(ctx context.Context, cfg *Config) error {
	return sr.ValidateAgainstSchema(ctx, "config", cfg)
}

const builtinConfigSchema = `
#Duration: string & =~"^(0|([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$"

#Config: {
	store: {
		path:       string & != ""
		spool_path: string & != ""
		...
	}

	orchestrator: {
		max_concurrency:           int & >=0
		call_timeout:              #Duration
		approval_timeout:          #Duration
		escalation_timeout:        #Duration
		escalation_timeout_policy: "" | "block" | "abort"
		branch_prefix:             string
		...
	}

	retry: {
		max_attempts:       int & >=1 & <=10
		backoff_base:       #Duration
		backoff_multiplier: number & >=1
		scope:              "" | "per-action" | "workflow"
		...
	}

	escalation: {
		rate_per_minute:   int & >=0
		delivery_attempts: int & >=0
		webhooks?: [...{
			url: string & =~"^https?://"
			...
		}]
		...
	}

	gates: {
		max_diagnostic_bytes: int & >=0
		...
	}

	agent: {
		startup_timeout: #Duration
		command_timeout: #Duration
		max_sessions:    int & >=0
		...
	}

	github: {
		merge_method: "" | "merge" | "squash" | "rebase"
		...
	}

	http: {
		port: int & >=0 & <=65535
		...
	}

	telemetry: {
		logging: {
			level:  "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic"
			format: "console" | "json"
			...
		}
		tracing: {
			exporter:      "otlp" | "stdout" | "none"
			sampling_rate: number & >=0 & <=1
			...
		}
		...
	}
	...
}
`

const builtinAnalyzerSchema = `
#Analyzer: {
	name:    string & =~"^[a-z0-9][a-z0-9_-]*$"
	gate:    "static-analysis" | "security-scan"
	markers: [string, ...string]
	binary:  string & != ""
	format?: "" | "text" | "sarif" | "npm-audit"
	severity?: "" | "info" | "warning" | "error" | "critical"
	...
}
`
