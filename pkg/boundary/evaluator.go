// Package boundary computes, per intent, what data an execution is permitted
// to read, write and persist. Policy rules are CEL expressions; when policy
// is silent the evaluator either synthesizes a least-privileged default
// contract (permissive mode) or fails closed.
package boundary

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
)

// Rule is an authored policy rule. When its CEL expression evaluates true
// for a request, its grants are attached to the contract.
type Rule struct {
	ID            string
	ResourceClass string
	Expression    string
	Grants        []contracts.Grant
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// Evaluator is the boundary contract evaluator.
type Evaluator struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules map[string][]compiledRule // resource class -> rules

	// allowSynthesized controls whether a permissive default contract may be
	// synthesized when no authored rule covers a declared resource class.
	// Production deployments that want strict fail-closed behavior turn this
	// off via configuration.
	allowSynthesized bool
	logger           *slog.Logger
}

// NewEvaluator initializes the CEL environment with the standard request
// attributes available to every policy rule.
func NewEvaluator(allowSynthesized bool) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("intent_type", types.StringType),
			decls.NewVariable("realm", types.StringType),
			decls.NewVariable("tenant_id", types.StringType),
			decls.NewVariable("tenant_tier", types.StringType),
			decls.NewVariable("resource_class", types.StringType),
			decls.NewVariable("params", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Evaluator{
		env:              env,
		rules:            make(map[string][]compiledRule),
		allowSynthesized: allowSynthesized,
		logger:           slog.Default().With("component", "boundary"),
	}, nil
}

// LoadRule compiles and registers an authored policy rule.
func (e *Evaluator) LoadRule(r Rule) error {
	if r.ResourceClass == "" {
		return fmt.Errorf("rule %s: resource_class is required", r.ID)
	}
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("rule %s compilation failed: %w", r.ID, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("rule %s program construction failed: %w", r.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.ResourceClass] = append(e.rules[r.ResourceClass], compiledRule{rule: r, program: prg})
	return nil
}

// Evaluate produces the boundary contract for an intent against a resolved
// capability. Every resource class the capability declares must be covered
// by an authored rule or a synthesized grant; otherwise evaluation fails
// closed with PolicyDenied and the execution never starts.
func (e *Evaluator) Evaluate(ctx context.Context, intent contracts.Intent, capability *registry.Capability, tenantTier string) (*contracts.BoundaryContract, error) {
	if intent.TenantID == "" {
		return nil, &contracts.PolicyDeniedError{
			IntentType: intent.IntentType,
			Code:       "missing_tenant",
		}
	}

	contract := &contracts.BoundaryContract{
		ContractID: uuid.NewString(),
		TenantID:   intent.TenantID,
		IntentType: intent.IntentType,
		Origin:     contracts.OriginAuthored,
		IssuedAt:   time.Now().UTC(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, class := range capability.ResourceClasses {
		covered := false
		for _, cr := range e.rules[class] {
			matched, err := e.evalRule(ctx, cr, intent, capability, tenantTier, class)
			if err != nil {
				// A broken rule must not widen access.
				e.logger.Error("rule evaluation failed, treating as no-match",
					"rule_id", cr.rule.ID, "error", err)
				continue
			}
			if matched {
				contract.Grants = append(contract.Grants, cr.rule.Grants...)
				contract.RuleIDs = append(contract.RuleIDs, cr.rule.ID)
				covered = true
			}
		}
		if covered {
			continue
		}

		if !e.allowSynthesized {
			e.logger.Warn("policy denied: uncovered resource class in fail-closed mode",
				"intent_type", intent.IntentType,
				"tenant_id", intent.TenantID,
				"resource_class", class,
			)
			return nil, &contracts.PolicyDeniedError{
				IntentType: intent.IntentType,
				TenantID:   intent.TenantID,
				Code:       "uncovered_resource_class",
				Resource:   class,
			}
		}

		// Synthesize the least-privileged grant that still lets the
		// capability complete: read+write on the declared class, scoped to
		// the requesting tenant only. Logged distinctly from authored rules
		// so audit can tell "policy said yes" from "policy said nothing".
		contract.Origin = contracts.OriginSynthesized
		scope := intent.TenantID
		contract.Grants = append(contract.Grants,
			contracts.Grant{ResourceClass: class, Mode: contracts.AccessRead, Scope: scope},
			contracts.Grant{ResourceClass: class, Mode: contracts.AccessWrite, Scope: scope},
		)
		e.logger.Info("synthesized permissive grant",
			"intent_type", intent.IntentType,
			"tenant_id", intent.TenantID,
			"resource_class", class,
			"origin", contracts.OriginSynthesized,
		)
	}

	return contract, nil
}

func (e *Evaluator) evalRule(ctx context.Context, cr compiledRule, intent contracts.Intent, capability *registry.Capability, tier, class string) (bool, error) {
	params := intent.Parameters
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := cr.program.ContextEval(ctx, map[string]any{
		"intent_type":    intent.IntentType,
		"realm":          capability.Realm,
		"tenant_id":      intent.TenantID,
		"tenant_tier":    tier,
		"resource_class": class,
		"params":         params,
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s did not evaluate to bool", cr.rule.ID)
	}
	return allowed, nil
}
