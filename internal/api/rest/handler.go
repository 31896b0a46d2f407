package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/radiant-tcg/cardtrust/internal/activation"
	"github.com/radiant-tcg/cardtrust/internal/api/middleware"
	"github.com/radiant-tcg/cardtrust/internal/api/rest/dto"
	"github.com/radiant-tcg/cardtrust/internal/authengine"
	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/keyvault"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/transfer"
)

// Handler defines the interface for REST API handlers
type Handler interface {
	// RegisterCard registers a single provisioned card (requires API key)
	// POST /api/v1/cards
	RegisterCard(c *gin.Context)

	// GetCard retrieves a card by chip UID
	// GET /api/v1/cards/:uid
	GetCard(c *gin.Context)

	// SellCard marks a card sold and issues its one-time activation code
	// POST /api/v1/cards/:uid/sell
	SellCard(c *gin.Context)

	// ActivateCard consumes an activation code and hands the card to its first owner
	// POST /api/v1/cards/:uid/activate
	ActivateCard(c *gin.Context)

	// Authenticate issues a fresh authentication challenge
	// POST /api/v1/cards/:uid/authenticate
	Authenticate(c *gin.Context)

	// Verify checks the chip response to a previously issued challenge
	// POST /api/v1/cards/:uid/verify
	Verify(c *gin.Context)

	// InitiateTrade opens an escrow trade offer
	// POST /api/v1/cards/:uid/trades
	InitiateTrade(c *gin.Context)

	// CompleteTrade accepts the card's pending offer
	// POST /api/v1/cards/:uid/trades/complete
	CompleteTrade(c *gin.Context)

	// CancelTrade withdraws the card's pending offer
	// POST /api/v1/cards/:uid/trades/cancel
	CancelTrade(c *gin.Context)

	// ListEvents queries the security event log
	// GET /api/v1/events?card=<uid>&device=<device>&kind=<kind>&limit=<limit>&offset=<offset>&order=<order>
	ListEvents(c *gin.Context)

	// AdminSetStatus forces a card status change (requires JWT)
	// POST /api/v1/cards/:uid/admin/status
	AdminSetStatus(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	registry   *registry.Service
	activation *activation.Service
	engine     *authengine.Engine
	trades     *transfer.Service
	store      store.Store
	deriver    *keyvault.Deriver
}

// NewHandler creates a new REST API handler
func NewHandler(
	reg *registry.Service,
	act *activation.Service,
	engine *authengine.Engine,
	trades *transfer.Service,
	st store.Store,
	deriver *keyvault.Deriver,
) Handler {
	return &handler{
		registry:   reg,
		activation: act,
		engine:     engine,
		trades:     trades,
		store:      st,
		deriver:    deriver,
	}
}

// uidParam extracts and normalizes the :uid path parameter.
// Returns false after responding when the UID is malformed.
func uidParam(c *gin.Context) (domain.ChipUID, bool) {
	uid := domain.NormalizeChipUID(c.Param("uid"))
	if !uid.Valid() {
		respondValidationError(c, "chip UID must be 14-20 hex characters")
		return "", false
	}
	return uid, true
}

// RegisterCard registers a single provisioned card
func (h *handler) RegisterCard(c *gin.Context) {
	var req dto.RegisterCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	uid := domain.NormalizeChipUID(req.ChipUID)
	if !uid.Valid() {
		respondValidationError(c, "chip UID must be 14-20 hex characters")
		return
	}
	sku := domain.SKU(req.SKU)
	if !sku.Valid() {
		respondValidationError(c, "malformed SKU")
		return
	}

	tier := domain.TierChallengeResponse
	if req.SecurityTier != "" {
		parsed, ok := domain.ParseSecurityTier(req.SecurityTier)
		if !ok {
			respondValidationError(c, "unknown security tier")
			return
		}
		tier = parsed
	}

	var batchID uint64
	if req.BatchCode != "" {
		batch, err := h.store.GetBatchByCode(c.Request.Context(), req.BatchCode)
		if err != nil {
			respondInternalError(c, err, "Failed to look up batch")
			return
		}
		if batch == nil {
			respondNotFound(c, "Batch not found")
			return
		}
		batchID = batch.ID
	}

	// The raw keys never leave the key derivation module; the card record
	// only carries an opaque reference.
	keyRef, err := h.deriver.KeyRef(uid, sku)
	if err != nil {
		respondInternalError(c, err, "Failed to derive key reference")
		return
	}

	card, err := h.registry.Register(c.Request.Context(), registry.RegisterInput{
		UID:          uid,
		SKU:          sku,
		BatchID:      batchID,
		SerialNumber: req.SerialNumber,
		KeyRef:       keyRef,
		Tier:         tier,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.FromCard(card))
}

// GetCard retrieves a card by chip UID
func (h *handler) GetCard(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	card, err := h.registry.Lookup(c.Request.Context(), uid)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromCard(card))
}

// SellCard marks a card sold and issues its one-time activation code
func (h *handler) SellCard(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var req dto.SellCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	if err := h.activation.MarkSold(c.Request.Context(), uid); err != nil {
		respondDomainError(c, err)
		return
	}

	issued, err := h.activation.IssueCode(c.Request.Context(), uid, req.DeliveryChannel)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.SellCardResponse{
		ActivationCode: issued.Code,
		ExpiresAt:      issued.ExpiresAt,
	})
}

// ActivateCard consumes an activation code and hands the card to its first owner
func (h *handler) ActivateCard(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var req dto.ActivateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	card, err := h.activation.Activate(c.Request.Context(), uid, req.Code, domain.PlayerRef(req.Claimant))
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromCard(card))
}

// Authenticate issues a fresh authentication challenge
func (h *handler) Authenticate(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var req dto.AuthenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	challenge, err := h.engine.Authenticate(c.Request.Context(), uid, domain.DeviceRef(req.Device))
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromChallenge(challenge))
}

// Verify checks the chip response to a previously issued challenge
func (h *handler) Verify(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var req dto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	result, err := h.engine.Verify(c.Request.Context(), uid, req.ChallengeID, req.Response, domain.DeviceRef(req.Device))
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.VerifyResponse{
		Authenticated: true,
		UsageCount:    result.UsageCount,
	})
}

// InitiateTrade opens an escrow trade offer
func (h *handler) InitiateTrade(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var req dto.InitiateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	offer, err := h.trades.Initiate(c.Request.Context(), uid, req.Seller, req.AskingPrice)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.FromOffer(offer))
}

// CompleteTrade accepts the card's pending offer
func (h *handler) CompleteTrade(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var req dto.CompleteTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	card, err := h.trades.Complete(c.Request.Context(), uid, req.TradeCode, req.Buyer)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromCard(card))
}

// CancelTrade withdraws the card's pending offer
func (h *handler) CancelTrade(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var req dto.CancelTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	if err := h.trades.Cancel(c.Request.Context(), uid, req.Seller); err != nil {
		respondDomainError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ListEvents queries the security event log
func (h *handler) ListEvents(c *gin.Context) {
	params, err := ParseListEventsQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	events, err := h.store.ListSecurityEvents(c.Request.Context(), params.Filter())
	if err != nil {
		respondInternalError(c, err, "Failed to list events")
		return
	}

	resp := dto.SecurityEventListResponse{
		Events: make([]dto.SecurityEventResponse, 0, len(events)),
		Limit:  params.Limit,
		Offset: params.Offset,
	}
	for _, event := range events {
		resp.Events = append(resp.Events, dto.FromEvent(event))
	}

	c.JSON(http.StatusOK, resp)
}

// AdminSetStatus forces a card status change
func (h *handler) AdminSetStatus(c *gin.Context) {
	uid, ok := uidParam(c)
	if !ok {
		return
	}

	var req dto.AdminStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	status, ok := domain.ParseCardStatus(req.Status)
	if !ok {
		respondValidationError(c, "unknown card status")
		return
	}

	// The acting subject comes from the verified JWT, never the body
	actor := c.GetString(middleware.AuthSubjectKey)

	if err := h.registry.AdminSetStatus(c.Request.Context(), uid, status, actor); err != nil {
		respondDomainError(c, err)
		return
	}

	card, err := h.registry.Lookup(c.Request.Context(), uid)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromCard(card))
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
