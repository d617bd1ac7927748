package public

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-oracle/internal/ingest"
	"contribution-oracle/internal/util"
)

func TestTelemetryErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
	}{
		{ingest.ErrSignature, http.StatusUnauthorized},
		{ingest.ErrReplay, http.StatusUnauthorized},
		{ingest.ErrStaleTimestamp, http.StatusUnauthorized},
		{ingest.ErrUnregistered, http.StatusBadRequest},
		{ingest.ErrBounds, http.StatusBadRequest},
		{ingest.ErrInvalidAddress, http.StatusBadRequest},
		{fmt.Errorf("database down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			mapped := telemetryError(fmt.Errorf("wrapped: %w", tc.err))
			httpErr, ok := mapped.(*echo.HTTPError)
			require.True(t, ok)
			assert.Equal(t, tc.wantStatus, httpErr.Code)
		})
	}
}

func TestFormulaEndpoint(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, ingest.NewReplayGuard(), time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/api/formula", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Weights struct {
			Tasks    int `json:"tasks"`
			Uptime   int `json:"uptime"`
			Response int `json:"response"`
		} `json:"weights"`
		IdleMultiplier float64 `json:"idleMultiplier"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 50, body.Weights.Tasks)
	assert.Equal(t, 30, body.Weights.Uptime)
	assert.Equal(t, 20, body.Weights.Response)
	assert.InDelta(t, 0.1, body.IdleMultiplier, 0.0001)
}

func TestTopologyRequiresModelParam(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, ingest.NewReplayGuard(), time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipeline/topology", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifySignedAcceptsCanonicalPayload(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	now := time.Unix(50_000, 0)
	s := &Server{
		guard:           ingest.NewReplayGuard(),
		freshnessWindow: time.Minute,
		now:             func() time.Time { return now },
	}

	payload := PipelineReadyPayload{
		Address:   addressLower(address),
		Model:     "llama",
		Timestamp: now.Unix(),
	}
	message, err := json.Marshal(payload)
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	require.NoError(t, err)

	require.NoError(t, s.verifySigned(payload, hexutil.Encode(sig),
		payload.Address, payload.Timestamp, ingest.FamilyPipelineReady))

	// An accepted timestamp, once advanced, cannot be replayed.
	s.guard.Advance(ingest.FamilyPipelineReady, payload.Address, payload.Timestamp)
	err = s.verifySigned(payload, hexutil.Encode(sig),
		payload.Address, payload.Timestamp, ingest.FamilyPipelineReady)
	assert.Equal(t, ErrStaleOrReplay, err)
}

func TestVerifySignedRejectsStaleTimestamp(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	now := time.Unix(50_000, 0)
	s := &Server{
		guard:           ingest.NewReplayGuard(),
		freshnessWindow: time.Minute,
		now:             func() time.Time { return now },
	}
	payload := PipelineReadyPayload{
		Address:   addressLower(address),
		Model:     "llama",
		Timestamp: now.Unix() - 61,
	}
	message, err := json.Marshal(payload)
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	require.NoError(t, err)

	err = s.verifySigned(payload, hexutil.Encode(sig),
		payload.Address, payload.Timestamp, ingest.FamilyPipelineReady)
	assert.Equal(t, ErrStaleOrReplay, err)
}

func TestVerifySignedRejectsWrongSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	now := time.Unix(50_000, 0)
	s := &Server{
		guard:           ingest.NewReplayGuard(),
		freshnessWindow: time.Minute,
		now:             func() time.Time { return now },
	}
	payload := PipelineReadyPayload{
		Address:   addressLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		Model:     "llama",
		Timestamp: now.Unix(),
	}
	message, err := json.Marshal(payload)
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash(message), other)
	require.NoError(t, err)

	err = s.verifySigned(payload, hexutil.Encode(sig),
		payload.Address, payload.Timestamp, ingest.FamilyPipelineReady)
	assert.Equal(t, ErrBadSignature, err)
}

func addressLower(hexAddr string) string {
	return util.CanonicalAddress(hexAddr)
}
