package boundary

import (
	"context"
	"errors"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
)

func testCapability(classes ...string) *registry.Capability {
	return &registry.Capability{
		IntentType:      "orders.place",
		Realm:           "commerce",
		Version:         semver.MustParse("1.0.0"),
		ResourceClasses: classes,
	}
}

func testIntent() contracts.Intent {
	return contracts.Intent{
		IntentType: "orders.place",
		TenantID:   "tenant:acme",
		SessionID:  "s-1",
		Parameters: map[string]any{"sku": "A-100"},
	}
}

func TestAuthoredRuleGrants(t *testing.T) {
	e, err := NewEvaluator(false)
	require.NoError(t, err)

	require.NoError(t, e.LoadRule(Rule{
		ID:            "orders-read",
		ResourceClass: "order_data",
		Expression:    `tenant_tier == "standard" && intent_type == "orders.place"`,
		Grants: []contracts.Grant{
			{ResourceClass: "order_data", Mode: contracts.AccessRead, Scope: "tenant:acme"},
			{ResourceClass: "order_data", Mode: contracts.AccessPersist, Scope: "tenant:acme"},
		},
	}))

	contract, err := e.Evaluate(context.Background(), testIntent(), testCapability("order_data"), "standard")
	require.NoError(t, err)
	assert.Equal(t, contracts.OriginAuthored, contract.Origin)
	assert.Equal(t, []string{"orders-read"}, contract.RuleIDs)
	assert.Len(t, contract.Grants, 2)
	assert.True(t, contract.Allows("order_data", contracts.AccessPersist, "tenant:acme"))
	assert.False(t, contract.Allows("order_data", contracts.AccessWrite, "tenant:acme"))
}

func TestFailClosedOnUncoveredClass(t *testing.T) {
	e, err := NewEvaluator(false)
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), testIntent(), testCapability("order_data"), "standard")
	var denied *contracts.PolicyDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "uncovered_resource_class", denied.Code)
	assert.Equal(t, "order_data", denied.Resource)
}

func TestSynthesizedContract(t *testing.T) {
	e, err := NewEvaluator(true)
	require.NoError(t, err)

	contract, err := e.Evaluate(context.Background(), testIntent(), testCapability("order_data"), "free")
	require.NoError(t, err)
	require.NotNil(t, contract)

	assert.Equal(t, contracts.OriginSynthesized, contract.Origin)
	// Least privilege: read and write on the declared class, scoped to the
	// requesting tenant, never persist.
	assert.True(t, contract.Allows("order_data", contracts.AccessRead, "tenant:acme"))
	assert.True(t, contract.Allows("order_data", contracts.AccessWrite, "tenant:acme"))
	assert.False(t, contract.Allows("order_data", contracts.AccessPersist, "tenant:acme"))
	assert.False(t, contract.Allows("other_class", contracts.AccessRead, "tenant:acme"))
}

func TestMissingTenantDenied(t *testing.T) {
	e, err := NewEvaluator(true)
	require.NoError(t, err)

	in := testIntent()
	in.TenantID = ""
	_, err = e.Evaluate(context.Background(), in, testCapability("order_data"), "free")
	var denied *contracts.PolicyDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "missing_tenant", denied.Code)
}

func TestRuleNoMatchFallsThrough(t *testing.T) {
	e, err := NewEvaluator(false)
	require.NoError(t, err)

	require.NoError(t, e.LoadRule(Rule{
		ID:            "sovereign-only",
		ResourceClass: "order_data",
		Expression:    `tenant_tier == "sovereign"`,
		Grants:        []contracts.Grant{{ResourceClass: "order_data", Mode: contracts.AccessRead, Scope: "*"}},
	}))

	_, err = e.Evaluate(context.Background(), testIntent(), testCapability("order_data"), "free")
	var denied *contracts.PolicyDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "uncovered_resource_class", denied.Code)
}

func TestBrokenRuleDoesNotWidenAccess(t *testing.T) {
	e, err := NewEvaluator(false)
	require.NoError(t, err)

	// Compiles but fails at eval time: params lookup on a missing key.
	require.NoError(t, e.LoadRule(Rule{
		ID:            "fragile",
		ResourceClass: "order_data",
		Expression:    `params["missing"] == "x"`,
		Grants:        []contracts.Grant{{ResourceClass: "order_data", Mode: contracts.AccessRead, Scope: "*"}},
	}))

	_, err = e.Evaluate(context.Background(), testIntent(), testCapability("order_data"), "free")
	var denied *contracts.PolicyDeniedError
	assert.True(t, errors.As(err, &denied))
}

func TestCompileErrorSurfaces(t *testing.T) {
	e, err := NewEvaluator(false)
	require.NoError(t, err)

	err = e.LoadRule(Rule{
		ID:            "bad",
		ResourceClass: "order_data",
		Expression:    `tenant_tier ==`,
	})
	assert.Error(t, err)
}

func TestWildcardScopeAllows(t *testing.T) {
	e, err := NewEvaluator(false)
	require.NoError(t, err)

	require.NoError(t, e.LoadRule(Rule{
		ID:            "any-scope",
		ResourceClass: "order_data",
		Expression:    `true`,
		Grants:        []contracts.Grant{{ResourceClass: "order_data", Mode: contracts.AccessRead, Scope: "*"}},
	}))

	contract, err := e.Evaluate(context.Background(), testIntent(), testCapability("order_data"), "free")
	require.NoError(t, err)
	assert.True(t, contract.Allows("order_data", contracts.AccessRead, "anything"))
}
