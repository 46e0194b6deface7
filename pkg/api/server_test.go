package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meridian-Labs/meridian/core/pkg/artifacts"
	"github.com/Meridian-Labs/meridian/core/pkg/boundary"
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/gateway"
	"github.com/Meridian-Labs/meridian/core/pkg/lifecycle"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
	"github.com/Meridian-Labs/meridian/core/pkg/replay"
	"github.com/Meridian-Labs/meridian/core/pkg/session"
	"github.com/Meridian-Labs/meridian/core/pkg/state"
	"github.com/Meridian-Labs/meridian/core/pkg/tenancy"
	"github.com/Meridian-Labs/meridian/core/pkg/wal"
)

var apiTestSecret = []byte("api-secret")

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	evaluator, err := boundary.NewEvaluator(true)
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return &contracts.HandlerResult{
				Artifacts: []contracts.Artifact{{
					Name:        "receipt",
					ContentType: "application/json",
					Content:     []byte(`{"ok":true}`),
				}},
			}, nil
		},
	}))

	log := wal.NewMemoryLog()
	space, writer := state.NewMemoryExecutionSpace()
	ledger := artifacts.NewLedger()
	isolation := tenancy.NewIsolationChecker()

	manager := lifecycle.NewManager(lifecycle.Options{
		Registry:  reg,
		Boundary:  evaluator,
		Tenants:   tenancy.NewDirectory(),
		Wal:       log,
		Space:     space,
		Writer:    writer,
		Ledger:    ledger,
		Blobs:     artifacts.NewMemoryStore(),
		Isolation: isolation,
	})

	gw := gateway.New(gateway.Options{Manager: manager})
	require.NoError(t, gw.RegisterTool(gateway.ToolSpec{Name: "place_order", IntentType: "orders.place"}))
	gw.AllowTools("agent-1", "place_order")

	sessions := session.NewManager(state.NewCacheSessionSpace(time.Minute), func(token *jwt.Token) (any, error) {
		return apiTestSecret, nil
	})

	server := NewServer(Options{
		Sessions:  sessions,
		Manager:   manager,
		Gateway:   gw,
		Ledger:    ledger,
		Replayer:  replay.NewEngine(log, reg, space),
		Isolation: isolation,
	})
	return server.Handler(1000, 1000)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/sessions", map[string]any{"metadata": map[string]any{"ua": "test"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var sess contracts.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, contracts.AnonymousTenant, sess.TenantID)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+sess.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("upgrade", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, session.Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
			TenantID:         "tenant:acme",
			UserID:           "user-1",
		})
		signed, err := token.SignedString(apiTestSecret)
		require.NoError(t, err)

		rec := doJSON(t, h, http.MethodPost, "/v1/sessions/"+sess.SessionID+"/upgrade", map[string]any{"token": signed})
		require.Equal(t, http.StatusOK, rec.Code)

		var upgraded contracts.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &upgraded))
		assert.Equal(t, sess.SessionID, upgraded.SessionID)
		assert.Equal(t, "tenant:acme", upgraded.TenantID)
	})

	t.Run("missing token rejected", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/sessions/"+sess.SessionID+"/upgrade", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestIntentSubmissionOverHTTP(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/intents", map[string]any{
		"intent_type": "orders.place",
		"parameters":  map[string]any{"sku": "A-100"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var result contracts.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, contracts.StateCompleted, result.State)

	t.Run("resubmission served from record", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/intents", map[string]any{
			"intent_type": "orders.place",
			"parameters":  map[string]any{"sku": "A-100"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var again contracts.ExecutionResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
		assert.True(t, again.Reused)
		assert.Equal(t, result.ExecutionID, again.ExecutionID)
	})

	t.Run("execution status", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/executions/"+result.ExecutionID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("artifacts listing", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/executions/"+result.ExecutionID+"/artifacts", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Artifacts []contracts.Artifact `json:"artifacts"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Artifacts, 1)
		assert.Equal(t, contracts.StageWorking, body.Artifacts[0].Stage)
	})

	t.Run("replay verdict", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/executions/"+result.ExecutionID+"/replay", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var report replay.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, replay.VerdictMatch, report.Verdict)
	})
}

func TestErrorEnvelope(t *testing.T) {
	h := newTestServer(t)

	t.Run("unknown capability", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/intents", map[string]any{"intent_type": "nope"})
		require.Equal(t, http.StatusNotFound, rec.Code)
		var env errorEnvelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.Equal(t, "capability_not_found", env.Code)
	})

	t.Run("unknown execution", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/executions/missing", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("tool outside allow-list", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/tools/place_order/invoke", map[string]any{"agent_id": "agent-rogue"})
		require.Equal(t, http.StatusForbidden, rec.Code)
		var env errorEnvelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.Equal(t, "tool_not_allowed", env.Code)
	})
}

func TestToolInvokeOverHTTP(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/agents/agent-1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "place_order")

	rec = doJSON(t, h, http.MethodPost, "/v1/tools/place_order/invoke", map[string]any{
		"agent_id": "agent-1",
		"params":   map[string]any{"sku": "A-100"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result contracts.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, contracts.StateCompleted, result.State)
}

func TestIsolationAuditOverHTTP(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/intents", map[string]any{
		"intent_type": "orders.place",
		"parameters":  map[string]any{"sku": "A-100"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var result contracts.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	t.Run("verify", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/audit/isolation", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Isolated   bool     `json:"isolated"`
			Violations []string `json:"violations"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Isolated)
		assert.Empty(t, body.Violations)
	})

	t.Run("cross-tenant check produces a violating receipt", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/audit/isolation/check", map[string]any{
			"tenant_id": "tenant:globex",
			"resources": []string{result.ExecutionID},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var receipt tenancy.IsolationReceipt
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
		assert.False(t, receipt.Isolated)
		require.Len(t, receipt.Violations, 1)
		assert.NotEmpty(t, receipt.ContentHash)
	})

	t.Run("missing tenant rejected", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/audit/isolation/check", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	limited := WithRateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Unrelated client is unaffected.
	other := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	limited.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}
