// Package gateway is the Tool-Mediated Invocation Gateway: the only door
// through which agent callers reach capabilities. Agents see named tools,
// never Realm APIs; every call is allow-listed, schema-checked, budgeted,
// and audited before it becomes an intent.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Meridian-Labs/meridian/core/pkg/canonical"
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/lifecycle"
	"github.com/Meridian-Labs/meridian/core/pkg/telemetry"
)

// ErrBudgetExhausted is returned when an agent's call budget is spent.
var ErrBudgetExhausted = errors.New("agent call budget exhausted")

// Tool is the agent-facing projection of a capability. The tool name is the
// only handle agents hold; the intent type behind it is gateway-internal.
type Tool struct {
	Name        string
	Description string
	IntentType  string
	Cost        int // budget tokens per call, min 1

	paramsSchema *jsonschema.Schema
}

// ToolSpec is the registration-time input for a tool.
type ToolSpec struct {
	Name         string
	Description  string
	IntentType   string
	Cost         int
	ParamsSchema string // JSON Schema source, optional
}

// InvocationRecord is one audited gateway call. Params and result are
// recorded as canonical hashes, never as raw payloads.
type InvocationRecord struct {
	AgentID     string        `json:"agent_id"`
	ToolName    string        `json:"tool_name"`
	ExecutionID string        `json:"execution_id,omitempty"`
	TenantID    string        `json:"tenant_id"`
	Allowed     bool          `json:"allowed"`
	Reason      string        `json:"reason,omitempty"`
	ParamsHash  string        `json:"params_hash,omitempty"`
	ResultHash  string        `json:"result_hash,omitempty"`
	Latency     time.Duration `json:"latency"`
	At          time.Time     `json:"at"`
}

// Gateway mediates agent access to the execution core.
type Gateway struct {
	manager *lifecycle.Manager
	limiter Limiter
	sink    *telemetry.Sink
	tracer  *telemetry.Provider // optional
	logger  *slog.Logger

	mu       sync.RWMutex
	tools    map[string]*Tool
	allow    map[string]map[string]bool // agentID -> tool name set
	policies map[string]BudgetPolicy
	defaults BudgetPolicy

	auditMu   sync.Mutex
	audit     []InvocationRecord
	auditCap  int
	auditNext int
}

// Options wires the gateway's collaborators.
type Options struct {
	Manager       *lifecycle.Manager
	Limiter       Limiter
	Sink          *telemetry.Sink
	Provider      *telemetry.Provider
	DefaultBudget BudgetPolicy
	AuditCapacity int
}

// New creates a gateway with an empty tool catalog.
func New(opts Options) *Gateway {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLocalLimiter()
	}
	defaults := opts.DefaultBudget
	if defaults.RPM <= 0 {
		defaults = BudgetPolicy{RPM: 60, Burst: 10}
	}
	auditCap := opts.AuditCapacity
	if auditCap <= 0 {
		auditCap = 4096
	}
	return &Gateway{
		manager:  opts.Manager,
		limiter:  limiter,
		sink:     opts.Sink,
		tracer:   opts.Provider,
		logger:   slog.Default().With("component", "gateway"),
		tools:    make(map[string]*Tool),
		allow:    make(map[string]map[string]bool),
		policies: make(map[string]BudgetPolicy),
		defaults: defaults,
		audit:    make([]InvocationRecord, 0, auditCap),
		auditCap: auditCap,
	}
}

// RegisterTool adds a tool to the catalog. Tool names are unique; a
// re-registration replaces the prior entry.
func (g *Gateway) RegisterTool(spec ToolSpec) error {
	if spec.Name == "" {
		return errors.New("tool name is required")
	}
	if spec.IntentType == "" {
		return errors.New("intent_type is required")
	}
	if spec.Cost <= 0 {
		spec.Cost = 1
	}

	tool := &Tool{
		Name:        spec.Name,
		Description: spec.Description,
		IntentType:  spec.IntentType,
		Cost:        spec.Cost,
	}
	if spec.ParamsSchema != "" {
		compiled, err := compileParamsSchema(spec.Name, spec.ParamsSchema)
		if err != nil {
			return err
		}
		tool.paramsSchema = compiled
	}

	g.mu.Lock()
	g.tools[spec.Name] = tool
	g.mu.Unlock()
	return nil
}

// AllowTools grants an agent access to the named tools. Grants are additive;
// an agent with no grants can invoke nothing.
func (g *Gateway) AllowTools(agentID string, toolNames ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.allow[agentID]
	if !ok {
		set = make(map[string]bool)
		g.allow[agentID] = set
	}
	for _, name := range toolNames {
		set[name] = true
	}
}

// SetBudget overrides the default budget policy for one agent.
func (g *Gateway) SetBudget(agentID string, policy BudgetPolicy) {
	g.mu.Lock()
	g.policies[agentID] = policy
	g.mu.Unlock()
}

// ListAllowedTools returns the catalog entries an agent may invoke, and
// nothing else. Discovery never reveals tools outside the allow-list.
func (g *Gateway) ListAllowedTools(agentID string) []Tool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Tool
	for name := range g.allow[agentID] {
		if tool, ok := g.tools[name]; ok {
			out = append(out, *tool)
		}
	}
	return out
}

// Invoke runs an allow-listed tool call as an intent. Rejections (unknown
// tool, allow-list miss, schema violation, budget) happen before any
// execution exists and are audited as such.
func (g *Gateway) Invoke(ctx context.Context, agentID string, toolName string, tenantID, sessionID string, params map[string]any) (*contracts.ExecutionResult, error) {
	start := time.Now()
	paramsHash, herr := canonical.Hash(params)
	if herr != nil {
		return nil, fmt.Errorf("tool %s parameters not hashable: %w", toolName, herr)
	}

	tool, err := g.admit(ctx, agentID, toolName, params)
	if err != nil {
		g.record(ctx, InvocationRecord{
			AgentID:    agentID,
			ToolName:   toolName,
			TenantID:   tenantID,
			Allowed:    false,
			Reason:     err.Error(),
			ParamsHash: paramsHash,
			Latency:    time.Since(start),
		}, 0, false)
		return nil, err
	}

	result, err := g.manager.Execute(ctx, contracts.Intent{
		IntentType: tool.IntentType,
		TenantID:   tenantID,
		SessionID:  sessionID,
		Parameters: params,
		Metadata:   map[string]any{"agent_id": agentID, "tool": tool.Name},
	})

	rec := InvocationRecord{
		AgentID:    agentID,
		ToolName:   toolName,
		TenantID:   tenantID,
		Allowed:    true,
		ParamsHash: paramsHash,
		Latency:    time.Since(start),
	}
	if result != nil {
		rec.ExecutionID = result.ExecutionID
		if resultHash, rerr := canonical.Hash(result); rerr == nil {
			rec.ResultHash = resultHash
		}
	}
	if err != nil {
		rec.Reason = err.Error()
	}
	g.record(ctx, rec, float64(tool.Cost), err == nil)
	return result, err
}

// admit runs the pre-execution checks in fixed order: catalog, allow-list,
// schema, budget.
func (g *Gateway) admit(ctx context.Context, agentID, toolName string, params map[string]any) (*Tool, error) {
	g.mu.RLock()
	tool, known := g.tools[toolName]
	allowed := g.allow[agentID][toolName]
	policy, hasPolicy := g.policies[agentID]
	g.mu.RUnlock()

	if !known || !allowed {
		// Unknown and disallowed are indistinguishable to the caller, so an
		// agent cannot probe the catalog by name.
		return nil, &contracts.ToolNotAllowedError{AgentID: agentID, ToolName: toolName}
	}

	if tool.paramsSchema != nil {
		value := map[string]any{}
		for k, v := range params {
			value[k] = v
		}
		if err := tool.paramsSchema.Validate(value); err != nil {
			return nil, fmt.Errorf("tool %s parameters rejected: %w", toolName, err)
		}
	}

	if !hasPolicy {
		policy = g.defaults
	}
	ok, err := g.limiter.Allow(ctx, agentID, policy, tool.Cost)
	if err != nil {
		return nil, fmt.Errorf("budget check: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: agent=%s tool=%s", ErrBudgetExhausted, agentID, toolName)
	}
	return tool, nil
}

// record appends to the bounded audit ring and emits telemetry.
func (g *Gateway) record(ctx context.Context, rec InvocationRecord, cost float64, success bool) {
	rec.At = time.Now().UTC()

	g.auditMu.Lock()
	if len(g.audit) < g.auditCap {
		g.audit = append(g.audit, rec)
	} else {
		g.audit[g.auditNext] = rec
		g.auditNext = (g.auditNext + 1) % g.auditCap
	}
	g.auditMu.Unlock()

	if g.sink != nil {
		g.sink.Emit(telemetry.Record{
			Kind:        telemetry.KindToolInvocation,
			ExecutionID: rec.ExecutionID,
			AgentID:     rec.AgentID,
			Latency:     rec.Latency,
			Success:     success,
			Cost:        cost,
			Attributes:  map[string]any{"tool": rec.ToolName, "allowed": rec.Allowed},
		})
	}
	if g.tracer != nil {
		g.tracer.CountToolInvoke(ctx,
			attribute.String("tool", rec.ToolName),
			attribute.Bool("allowed", rec.Allowed),
		)
		if !rec.Allowed {
			g.tracer.CountFailure(ctx, attribute.String("failure_code", "tool_rejected"))
		}
	}

	if !rec.Allowed {
		g.logger.Warn("tool invocation rejected",
			"agent_id", rec.AgentID,
			"tool", rec.ToolName,
			"reason", rec.Reason,
		)
	}
}

// Audit returns a copy of the invocation records currently retained.
func (g *Gateway) Audit() []InvocationRecord {
	g.auditMu.Lock()
	defer g.auditMu.Unlock()

	out := make([]InvocationRecord, len(g.audit))
	copy(out, g.audit)
	return out
}

func compileParamsSchema(toolName, source string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://meridian.schemas.local/tools/%s.params.schema.json", toolName)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("tool %s schema load failed: %w", toolName, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s schema compile failed: %w", toolName, err)
	}
	return compiled, nil
}
