// Package registry is the source of truth mapping intent types to the
// Realm-owned capabilities that can execute them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

var (
	// ErrRealmConflict is returned when an intent type is already bound to a
	// handler in a different Realm. Cross-Realm rebinding is rejected to
	// preserve single-Realm data ownership.
	ErrRealmConflict = errors.New("intent type already owned by another realm")
)

// Capability is a registered, intent-addressable unit of work owned by
// exactly one Realm. Created at bootstrap, read-only at request time.
type Capability struct {
	IntentType   string
	Realm        string
	Version      *semver.Version
	Handler      contracts.Handler
	Compensation contracts.Handler // optional, drives Failed -> Compensated
	Determinism  contracts.Determinism

	// ResourceClasses the capability declares it will touch. The boundary
	// evaluator must cover every one of them or fail closed.
	ResourceClasses []string

	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
}

// Registration is the bootstrap-time input to Register.
type Registration struct {
	IntentType      string
	Realm           string
	Version         string
	Handler         contracts.Handler
	Compensation    contracts.Handler
	Determinism     contracts.Determinism
	ResourceClasses []string
	InputSchema     string // JSON Schema source, optional
	OutputSchema    string // JSON Schema source, optional
}

// Registry resolves intent types to capabilities.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]*Capability
	logger       *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		capabilities: make(map[string]*Capability),
		logger:       slog.Default().With("component", "registry"),
	}
}

// Register binds an intent type to a capability. Re-registration within the
// same Realm replaces the prior entry (last registration wins, logged);
// rebinding across Realms is rejected with ErrRealmConflict.
func (r *Registry) Register(reg Registration) error {
	if reg.IntentType == "" {
		return errors.New("intent_type is required")
	}
	if reg.Realm == "" {
		return errors.New("realm is required")
	}
	if reg.Handler == nil {
		return errors.New("handler is required")
	}
	if reg.Determinism == "" {
		reg.Determinism = contracts.Deterministic
	}

	version, err := semver.NewVersion(reg.Version)
	if err != nil {
		return fmt.Errorf("invalid capability version %q: %w", reg.Version, err)
	}

	cap := &Capability{
		IntentType:      reg.IntentType,
		Realm:           reg.Realm,
		Version:         version,
		Handler:         reg.Handler,
		Compensation:    reg.Compensation,
		Determinism:     reg.Determinism,
		ResourceClasses: reg.ResourceClasses,
	}

	if cap.InputSchema, err = compileSchema(reg.IntentType, "input", reg.InputSchema); err != nil {
		return err
	}
	if cap.OutputSchema, err = compileSchema(reg.IntentType, "output", reg.OutputSchema); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.capabilities[reg.IntentType]; ok {
		if existing.Realm != reg.Realm {
			return fmt.Errorf("%w: %s is owned by %s, refused %s", ErrRealmConflict, reg.IntentType, existing.Realm, reg.Realm)
		}
		r.logger.Info("capability replaced",
			"intent_type", reg.IntentType,
			"realm", reg.Realm,
			"old_version", existing.Version.String(),
			"new_version", version.String(),
		)
	}

	r.capabilities[reg.IntentType] = cap
	return nil
}

// Resolve returns the capability bound to an intent type.
func (r *Registry) Resolve(intentType string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.capabilities[intentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrCapabilityNotFound, intentType)
	}
	return cap, nil
}

// List returns all registered capabilities.
func (r *Registry) List() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Capability, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		out = append(out, c)
	}
	return out
}

func compileSchema(intentType, kind, source string) (*jsonschema.Schema, error) {
	if source == "" {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://meridian.schemas.local/capabilities/%s.%s.schema.json", intentType, kind)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("capability %s schema load failed: %w", kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("capability %s schema compile failed: %w", kind, err)
	}
	return compiled, nil
}
