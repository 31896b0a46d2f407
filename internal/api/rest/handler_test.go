package rest_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/api/middleware"
	"github.com/radiant-tcg/cardtrust/internal/api/rest"
	"github.com/radiant-tcg/cardtrust/internal/api/rest/dto"
	"github.com/radiant-tcg/cardtrust/internal/authengine"
	"github.com/radiant-tcg/cardtrust/internal/keyvault"
	"github.com/radiant-tcg/cardtrust/internal/policy"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store/storetest"
	"github.com/radiant-tcg/cardtrust/internal/telemetry"
	"github.com/radiant-tcg/cardtrust/internal/transfer"

	"github.com/radiant-tcg/cardtrust/internal/activation"
)

const testAPIKey = "test-api-key"

type testAPI struct {
	router  *gin.Engine
	deriver *keyvault.Deriver
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := storetest.New()
	clock := adapter.NewClock()
	deriver, err := keyvault.NewDeriver(keyvault.RootSecret(bytes.Repeat([]byte{0x42}, 32)))
	require.NoError(t, err)

	recorder := telemetry.NewRecorder(mem, nil, nil, clock)
	reg := registry.NewService(mem, recorder)
	act := activation.NewService(mem, reg, recorder, clock, 0)
	challenges := authengine.NewChallengeStore(clock, 0)
	engine := authengine.NewEngine(mem, reg, deriver, challenges, recorder, policy.Default(), clock)
	trades := transfer.NewService(mem, reg, recorder, clock, 0)

	handler := rest.NewHandler(reg, act, engine, trades, mem, deriver)

	router := gin.New()
	rest.SetupRoutes(router, handler, middleware.AuthConfig{APIKeys: []string{testAPIKey}}, nil)

	return &testAPI{router: router, deriver: deriver}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "APIKey "+testAPIKey)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAPI_Health(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_RegisterCard(t *testing.T) {
	api := newTestAPI(t)

	t.Run("requires an API key", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/cards", dto.RegisterCardRequest{
			ChipUID: "04AA3AB2C1800001", SKU: "RADIANT-001",
		}, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("registers and rejects duplicates", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/cards", dto.RegisterCardRequest{
			ChipUID: "04AA3AB2C1800001", SKU: "RADIANT-001", SerialNumber: "0001",
		}, true)
		require.Equal(t, http.StatusCreated, w.Code)

		card := decode[dto.CardResponse](t, w)
		assert.Equal(t, "04AA3AB2C1800001", card.ChipUID)
		assert.Equal(t, "provisioned", card.Status)

		w = api.do(t, http.MethodPost, "/api/v1/cards", dto.RegisterCardRequest{
			ChipUID: "04AA3AB2C1800001", SKU: "RADIANT-002",
		}, true)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("malformed uid", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/cards", dto.RegisterCardRequest{
			ChipUID: "xyz", SKU: "RADIANT-001",
		}, true)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestAPI_GetCard(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/cards", dto.RegisterCardRequest{
		ChipUID: "04AA3AB2C1800001", SKU: "RADIANT-001",
	}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	t.Run("lowercase uid is normalized", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/v1/cards/04aa3ab2c1800001", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		card := decode[dto.CardResponse](t, w)
		assert.Equal(t, "04AA3AB2C1800001", card.ChipUID)
	})

	t.Run("unknown uid", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/v1/cards/04FFFFFFFFFF00", nil, false)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// TestAPI_CardLifecycle drives one card through its whole life over HTTP:
// provision, sell, activate, authenticate, verify, trade, and the audit trail.
func TestAPI_CardLifecycle(t *testing.T) {
	api := newTestAPI(t)
	const uid = "04AA3AB2C1800001"

	// Provision
	w := api.do(t, http.MethodPost, "/api/v1/cards", dto.RegisterCardRequest{
		ChipUID: uid, SKU: "RADIANT-001", SerialNumber: "0001",
	}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	// Sell: the activation code plaintext appears here and only here
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/sell", dto.SellCardRequest{
		DeliveryChannel: "email",
	}, true)
	require.Equal(t, http.StatusOK, w.Code)
	sold := decode[dto.SellCardResponse](t, w)
	require.Len(t, sold.ActivationCode, 8)

	// Selling twice loses the CAS
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/sell", dto.SellCardRequest{
		DeliveryChannel: "email",
	}, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	// A wrong code does not activate
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/activate", dto.ActivateCardRequest{
		Code: "00000000", Claimant: "player-1",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Activate
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/activate", dto.ActivateCardRequest{
		Code: sold.ActivationCode, Claimant: "player-1",
	}, false)
	require.Equal(t, http.StatusOK, w.Code)
	card := decode[dto.CardResponse](t, w)
	assert.Equal(t, "activated", card.Status)
	require.NotNil(t, card.Owner)
	assert.Equal(t, "player-1", *card.Owner)

	// The code is single-use
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/activate", dto.ActivateCardRequest{
		Code: sold.ActivationCode, Claimant: "player-2",
	}, false)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Authenticate: fresh challenge
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/authenticate", dto.AuthenticateRequest{
		Device: "console-1",
	}, false)
	require.Equal(t, http.StatusOK, w.Code)
	challenge := decode[dto.ChallengeResponse](t, w)

	// Compute the response a genuine chip would return
	challengeBytes, err := hex.DecodeString(challenge.Challenge)
	require.NoError(t, err)
	keys, err := api.deriver.Derive(uid, "RADIANT-001")
	require.NoError(t, err)
	response := hex.EncodeToString(keys.Response(challengeBytes))

	// Verify
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/verify", dto.VerifyRequest{
		ChallengeID: challenge.ChallengeID, Response: response, Device: "console-1",
	}, false)
	require.Equal(t, http.StatusOK, w.Code)
	verified := decode[dto.VerifyResponse](t, w)
	assert.True(t, verified.Authenticated)
	assert.Equal(t, uint64(1), verified.UsageCount)

	// Replaying the consumed challenge fails even with the right response
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/verify", dto.VerifyRequest{
		ChallengeID: challenge.ChallengeID, Response: response, Device: "console-1",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Open a trade
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/trades", dto.InitiateTradeRequest{
		Seller: "player-1",
	}, false)
	require.Equal(t, http.StatusCreated, w.Code)
	offer := decode[dto.TradeOfferResponse](t, w)
	require.NotEmpty(t, offer.TradeCode)

	// Only one pending offer per card
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/trades", dto.InitiateTradeRequest{
		Seller: "player-1",
	}, false)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Self trade is rejected
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/trades/complete", dto.CompleteTradeRequest{
		TradeCode: offer.TradeCode, Buyer: "player-1",
	}, false)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Complete the trade: ownership moves, usage history survives
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/trades/complete", dto.CompleteTradeRequest{
		TradeCode: offer.TradeCode, Buyer: "player-2",
	}, false)
	require.Equal(t, http.StatusOK, w.Code)
	card = decode[dto.CardResponse](t, w)
	require.NotNil(t, card.Owner)
	assert.Equal(t, "player-2", *card.Owner)
	assert.Equal(t, uint64(1), card.UsageCount)

	// The accepted offer is gone
	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/trades/complete", dto.CompleteTradeRequest{
		TradeCode: offer.TradeCode, Buyer: "player-3",
	}, false)
	assert.Equal(t, http.StatusGone, w.Code)

	// The audit trail recorded the whole journey
	w = api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/events?card=%s&order=asc", uid), nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[dto.SecurityEventListResponse](t, w)

	kinds := make([]string, 0, len(events.Events))
	for _, e := range events.Events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, "status_changed")
	assert.Contains(t, kinds, "card_activated")
	assert.Contains(t, kinds, "auth_success")
	assert.Contains(t, kinds, "replay_suspected")
	assert.Contains(t, kinds, "trade_completed")
}

func TestAPI_Verify_WrongResponse(t *testing.T) {
	api := newTestAPI(t)
	const uid = "04AA3AB2C1800001"

	w := api.do(t, http.MethodPost, "/api/v1/cards", dto.RegisterCardRequest{
		ChipUID: uid, SKU: "RADIANT-001",
	}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/authenticate", dto.AuthenticateRequest{
		Device: "console-1",
	}, false)
	require.Equal(t, http.StatusOK, w.Code)
	challenge := decode[dto.ChallengeResponse](t, w)

	w = api.do(t, http.MethodPost, "/api/v1/cards/"+uid+"/verify", dto.VerifyRequest{
		ChallengeID: challenge.ChallengeID,
		Response:    hex.EncodeToString(bytes.Repeat([]byte{0xFF}, 32)),
		Device:      "console-1",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Events_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/api/v1/events", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_AdminStatus_RequiresJWT(t *testing.T) {
	api := newTestAPI(t)

	// An API key is not enough for admin operations
	w := api.do(t, http.MethodPost, "/api/v1/cards/04AA3AB2C1800001/admin/status", dto.AdminStatusRequest{
		Status: "suspended",
	}, true)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/cards/04AA3AB2C1800001/admin/status", dto.AdminStatusRequest{
		Status: "suspended",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
