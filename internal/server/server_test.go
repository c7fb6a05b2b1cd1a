package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KayMas2808/RuralLend/internal/app"
	"github.com/KayMas2808/RuralLend/internal/config"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/engine"
	"github.com/KayMas2808/RuralLend/internal/loans"
	"github.com/KayMas2808/RuralLend/internal/logger"
	"github.com/KayMas2808/RuralLend/internal/queue"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	rt    *app.Runtime
	token string
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Services.Sim = config.SimConfig{DecisionOutcome: "approved"}
	rt, err := app.Start(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, Logger: logger.NewTestLogger(t)})
	require.NoError(t, err)
	handler, err := New(Config{Runtime: rt, BasePath: "/v0", Auth: AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := &testServer{Server: httptest.NewServer(handler), rt: rt}
	t.Cleanup(func() {
		srv.Close()
		rt.Close()
	})
	return srv
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) send(t *testing.T, body map[string]any) engine.Snapshot {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v0/flow/events", body)
	require.Equal(t, http.StatusOK, res.StatusCode, "%v: %s", body["type"], data)
	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func (s *testServer) waitFlow(t *testing.T, what string, cond func(engine.Snapshot) bool) engine.Snapshot {
	t.Helper()
	var snap engine.Snapshot
	require.Eventually(t, func() bool {
		res, data := s.do(t, http.MethodGet, "/v0/flow", nil)
		if res.StatusCode != http.StatusOK {
			return false
		}
		snap = engine.Snapshot{}
		return json.Unmarshal(data, &snap) == nil && cond(snap)
	}, 3*time.Second, 10*time.Millisecond, what)
	return snap
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

var validRequest = map[string]any{"amount": 50000, "tenure_months": 12, "purpose": "repair", "mobile_number": "9123456789"}

// toConsent drives a fresh flow through manual intake and KYC.
func (s *testServer) toConsent(t *testing.T) {
	t.Helper()
	s.send(t, map[string]any{"type": "get_started"})
	s.send(t, map[string]any{"type": "start_manual"})
	s.send(t, map[string]any{"type": "submit_manual", "request": validRequest})
	for _, kind := range []string{"id", "selfie"} {
		s.send(t, map[string]any{"type": "capture_document", "kind": kind})
		s.waitFlow(t, "capture "+kind, func(snap engine.Snapshot) bool { return snap.Pending == nil })
	}
	snap := s.send(t, map[string]any{"type": "confirm_kyc"})
	require.Equal(t, domain.StateConsent, snap.State)
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t, testSecret)
	res, data := srv.do(t, http.MethodGet, "/v0/health", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestBearerTokenRequiredWhenSecretSet(t *testing.T) {
	srv := newTestServer(t, testSecret)

	res, data := srv.do(t, http.MethodGet, "/v0/flow", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	srv.token = signToken(t, "other-secret", "agent-7")
	res, data = srv.do(t, http.MethodGet, "/v0/flow", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	srv.token = signToken(t, testSecret, "agent-7")
	srv.send(t, map[string]any{"type": "get_started"})

	res, data = srv.do(t, http.MethodGet, "/v0/events?type=flow.transition", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "agent-7", page.Items[0].ActorID)
}

func TestManualIntakeValidation(t *testing.T) {
	srv := newTestServer(t, "")
	srv.send(t, map[string]any{"type": "get_started"})
	srv.send(t, map[string]any{"type": "start_manual"})

	res, data := srv.do(t, http.MethodPost, "/v0/flow/events", map[string]any{
		"type":    "submit_manual",
		"request": map[string]any{"amount": 500, "tenure_months": 12, "purpose": "repair", "mobile_number": "9123456789"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "validation_failed", body.Code)
	assert.Contains(t, body.Message, "minimum 1000")
	assert.Equal(t, string(domain.StateManualIntake), body.Details["state"])

	snap := srv.send(t, map[string]any{"type": "submit_manual", "request": validRequest})
	assert.Equal(t, domain.StateKYC, snap.State)
	require.NotNil(t, snap.Record.Request)
	assert.EqualValues(t, 50000, snap.Record.Request.AmountRequested)
}

func TestUnknownEventType(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := srv.do(t, http.MethodPost, "/v0/flow/events", map[string]any{"type": "offer_ready"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestIllegalEventIsConflict(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := srv.do(t, http.MethodPost, "/v0/flow/events", map[string]any{"type": "accept_offer"})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "invalid_transition", body.Code)
	assert.Equal(t, "accept_offer", body.Details["event"])
}

func TestUnderwritingOverHTTP(t *testing.T) {
	srv := newTestServer(t, "")
	srv.toConsent(t)

	res, data := srv.do(t, http.MethodPost, "/v0/flow/events", map[string]any{"type": "start_underwriting"})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	srv.send(t, map[string]any{"type": "set_consent", "consent": true})
	srv.send(t, map[string]any{"type": "start_underwriting"})
	snap := srv.waitFlow(t, "decision", func(s engine.Snapshot) bool { return s.State == domain.StateDecision })
	require.NotNil(t, snap.Record.Offer)
	assert.Equal(t, domain.OfferApproved, snap.Record.Offer.Status)

	res, data = srv.do(t, http.MethodPost, "/v0/flow/events", map[string]any{"type": "start_underwriting"})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decodeError(t, data).Code)

	// both KYC photos drain and leave the queue
	require.Eventually(t, func() bool {
		res, data := srv.do(t, http.MethodGet, "/v0/queue", nil)
		var entries []queue.EntryStatus
		return res.StatusCode == http.StatusOK && json.Unmarshal(data, &entries) == nil && len(entries) == 0
	}, 3*time.Second, 10*time.Millisecond)
	res, data = srv.do(t, http.MethodGet, "/v0/events?type=upload.completed&record_id="+snap.Record.ID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 2)
}

func TestDisbursalAndRepaymentOverHTTP(t *testing.T) {
	srv := newTestServer(t, "")
	srv.toConsent(t)
	srv.send(t, map[string]any{"type": "set_consent", "consent": true})
	srv.send(t, map[string]any{"type": "start_underwriting"})
	srv.waitFlow(t, "decision", func(s engine.Snapshot) bool { return s.State == domain.StateDecision })

	srv.send(t, map[string]any{"type": "accept_offer"})
	srv.send(t, map[string]any{"type": "choose_disbursal", "disbursal": map[string]any{"method": "upi", "upi_id": "ravi@upi"}})
	srv.send(t, map[string]any{"type": "verify_disbursal"})
	srv.waitFlow(t, "verified", func(s engine.Snapshot) bool {
		return s.Record != nil && s.Record.Disbursal != nil && s.Record.Disbursal.Verified
	})
	snap := srv.send(t, map[string]any{"type": "complete_disbursal"})
	require.Equal(t, domain.StateAccount, snap.State)
	require.NotEmpty(t, snap.LoanID)

	res, data := srv.do(t, http.MethodGet, "/v0/loans", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var accts []loans.Account
	require.NoError(t, json.Unmarshal(data, &accts))
	require.Len(t, accts, 1)
	assert.Equal(t, snap.LoanID, accts[0].Loan.ID)

	res, data = srv.do(t, http.MethodPost, "/v0/loans/"+snap.LoanID+"/repayments", map[string]any{"amount": "4584", "method": "UPI"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var paid RepaymentResponse
	require.NoError(t, json.Unmarshal(data, &paid))
	assert.Equal(t, 1, paid.Loan.PaidInstallments)

	res, data = srv.do(t, http.MethodPost, "/v0/loans/"+snap.LoanID+"/repayments", map[string]any{"amount": "lots", "method": "UPI"})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	res, _ = srv.do(t, http.MethodGet, "/v0/loans/RL000000", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestQueueActionsOnUnknownArtifact(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := srv.do(t, http.MethodPost, "/v0/queue/nope/retry", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestPreferencesRoundTrip(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := srv.do(t, http.MethodPut, "/v0/preferences", map[string]any{"trusted_network_only": true})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodGet, "/v0/preferences", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var prefs domain.Preferences
	require.NoError(t, json.Unmarshal(data, &prefs))
	assert.True(t, prefs.TrustedNetworkOnly)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testSecret)
	res, data := srv.do(t, http.MethodGet, "/v0/metrics", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "rurallend_flow_transitions_total")
}
