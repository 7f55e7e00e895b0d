package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"OptionLedger/internal/config"
	"OptionLedger/internal/engine"
	"OptionLedger/internal/ledger"
	fpmath "OptionLedger/internal/math"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/query"
	"OptionLedger/internal/state"
)

// callerHeader identifies the acting account on write endpoints. Upstream
// auth terminates at the gateway; by the time a request reaches this
// service the header carries a verified user id.
const callerHeader = "X-Caller-Id"

// Server exposes the settlement engine and the read models over HTTP/JSON.
type Server struct {
	engine        *engine.SettlementEngine
	querySvc      *query.QueryService
	priceFeed     *oracle.SnapshotOracle
	healthChecker *observability.HealthChecker
	httpServer    *http.Server
	log           zerolog.Logger
}

func NewServer(
	addr string,
	eng *engine.SettlementEngine,
	querySvc *query.QueryService,
	priceFeed *oracle.SnapshotOracle,
	healthChecker *observability.HealthChecker,
) *Server {
	s := &Server{
		engine:        eng,
		querySvc:      querySvc,
		priceFeed:     priceFeed,
		healthChecker: healthChecker,
		log:           observability.NewLogger("http"),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the gin engine with all routes registered. Exposed
// separately so tests can drive it through httptest.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if s.healthChecker != nil {
		router.GET("/healthz", gin.WrapF(s.healthChecker.LivenessHandler))
		router.GET("/readyz", gin.WrapF(s.healthChecker.ReadinessHandler))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/deposit", s.handleDeposit)
		v1.POST("/withdraw", s.handleWithdraw)
		v1.POST("/mint", s.handleMint)
		v1.POST("/redeem", s.handleRedeem)
		v1.POST("/liquidate", s.handleLiquidate)
		v1.GET("/payout", s.handlePreviewPayout)

		v1.POST("/admin/initialize", s.handleInitialize)
		v1.POST("/admin/strike", s.handleUpdateStrike)
		v1.POST("/admin/pause", s.handleSetPaused)

		v1.GET("/positions/:owner", s.handleGetPosition)
		v1.GET("/vault", s.handleGetVault)
		v1.GET("/config", s.handleGetConfig)
		v1.GET("/oracle", s.handleGetOracle)
		v1.GET("/history", s.handleHistory)
		v1.GET("/transfers", s.handleTransfers)
		v1.GET("/integrity", s.handleIntegrity)
	}

	return router
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- write endpoints ---

type amountRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// settleRequest accepts amount 0: a zero mint restamps the position
// timestamp and a zero redeem is a no-op, so both must reach the engine.
type settleRequest struct {
	Amount *uint64 `json:"amount" binding:"required"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if err := s.engine.Deposit(caller, req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sequence": s.engine.Sequence() - 1,
		"amount":   req.Amount,
	})
}

func (s *Server) handleWithdraw(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if err := s.engine.Withdraw(caller, req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sequence": s.engine.Sequence() - 1,
		"amount":   req.Amount,
	})
}

func (s *Server) handleMint(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if err := s.engine.Mint(caller, *req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	pos := s.engine.Position(caller)
	resp := gin.H{
		"sequence": s.engine.Sequence() - 1,
		"deposit":  *req.Amount,
	}
	if pos != nil {
		resp["position"] = pos.Amount
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRedeem(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if err := s.engine.Redeem(caller, *req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	resp := gin.H{
		"sequence": s.engine.Sequence() - 1,
		"burned":   *req.Amount,
	}
	if pos := s.engine.Position(caller); pos != nil {
		resp["position"] = pos.Amount
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLiquidate(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	if err := s.engine.Liquidate(caller); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sequence": s.engine.Sequence() - 1,
	})
}

func (s *Server) handlePreviewPayout(c *gin.Context) {
	amountStr := c.Query("amount")
	amount, err := strconv.ParseUint(amountStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount", "details": amountStr})
		return
	}
	payout, err := s.engine.PreviewPayout(amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount": amount,
		"payout": payout,
	})
}

// --- admin endpoints ---

type initializeRequest struct {
	StrikePrice            uint64 `json:"strike_price" binding:"required"`
	CollateralizationRatio uint64 `json:"collateralization_ratio" binding:"required"`
}

func (s *Server) handleInitialize(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if err := s.engine.Initialize(caller, req.StrikePrice, req.CollateralizationRatio); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence": s.engine.Sequence() - 1})
}

type strikeRequest struct {
	StrikePrice uint64 `json:"strike_price" binding:"required"`
}

func (s *Server) handleUpdateStrike(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	var req strikeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if err := s.engine.UpdateStrikePrice(caller, req.StrikePrice); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence": s.engine.Sequence() - 1})
}

type pauseRequest struct {
	Paused *bool `json:"paused" binding:"required"`
}

func (s *Server) handleSetPaused(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if err := s.engine.SetPaused(caller, *req.Paused); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence": s.engine.Sequence() - 1, "paused": *req.Paused})
}

// --- read endpoints ---

// handleGetPosition serves from the live engine so callers observe their
// own writes immediately. source=log reads the persisted model instead,
// which lags the engine by at most one flush.
func (s *Server) handleGetPosition(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
		return
	}

	if wantsLog(c) {
		svc, ok := s.readModel(c)
		if !ok {
			return
		}
		resp, err := svc.GetPosition(c.Request.Context(), owner)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	resp := gin.H{
		"owner":          owner,
		"amount":         int64(0),
		"as_of_sequence": s.engine.Sequence() - 1,
	}
	if pos := s.engine.Position(owner); pos != nil {
		resp["amount"] = pos.Amount
		resp["timestamp"] = pos.Timestamp
		resp["version"] = pos.Version
	}

	key := ledger.NewUserAccountKey(owner, ledger.SubTypeCollateral, ledger.AssetCollateral)
	resp["collateral_balance"] = s.engine.Balance(key)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetVault(c *gin.Context) {
	if wantsLog(c) {
		svc, ok := s.readModel(c)
		if !ok {
			return
		}
		resp, err := svc.GetVault(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"vault_balance":    s.engine.VaultBalance(),
		"treasury_balance": s.engine.TreasuryBalance(),
		"as_of_sequence":   s.engine.Sequence() - 1,
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	if wantsLog(c) {
		svc, ok := s.readModel(c)
		if !ok {
			return
		}
		resp, err := svc.GetConfig(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		if resp == nil {
			s.writeError(c, config.ErrNotInitialized)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	params, err := s.engine.Params()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authority":               params.Authority,
		"strike_price":            params.StrikePrice,
		"collateralization_ratio": params.CollateralizationRatio,
		"paused":                  params.Paused,
		"version":                 params.Version,
		"as_of_sequence":          s.engine.Sequence() - 1,
	})
}

// handleGetOracle exposes the raw price snapshot the settlement engine
// reads, including the feed sequence and update time.
func (s *Server) handleGetOracle(c *gin.Context) {
	if s.priceFeed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "price feed unavailable"})
		return
	}
	snap, loaded := s.priceFeed.Snapshot()
	if !loaded {
		s.writeError(c, oracle.ErrNoPrice)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"price":      snap.Price,
		"sequence":   snap.Sequence,
		"updated_at": snap.UpdatedAt,
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	svc, ok := s.readModel(c)
	if !ok {
		return
	}
	limit := parseLimit(c, 50)
	before := parseCursor(c, "before")

	entries, err := svc.GetSettlementHistory(c.Request.Context(), limit, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "events": entries})
}

func (s *Server) handleTransfers(c *gin.Context) {
	svc, ok := s.readModel(c)
	if !ok {
		return
	}
	limit := parseLimit(c, 50)
	before := parseCursor(c, "before")

	var account *string
	if a := c.Query("account"); a != "" {
		account = &a
	}

	entries, err := svc.GetTransferHistory(c.Request.Context(), account, limit, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "transfers": entries})
}

func (s *Server) handleIntegrity(c *gin.Context) {
	svc, ok := s.readModel(c)
	if !ok {
		return
	}
	report, err := svc.VerifyIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// --- helpers ---

// wantsLog reports whether the request asked for the persisted read model.
func wantsLog(c *gin.Context) bool {
	return c.Query("source") == "log"
}

// readModel returns the query service, answering 503 when the server runs
// without one.
func (s *Server) readModel(c *gin.Context) (*query.QueryService, bool) {
	if s.querySvc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "read model unavailable"})
		return nil, false
	}
	return s.querySvc, true
}

func (s *Server) caller(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader(callerHeader)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + callerHeader + " header"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + callerHeader + " header"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps engine errors to HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, config.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, config.ErrAlreadyInitialized),
		errors.Is(err, config.ErrNotInitialized),
		errors.Is(err, engine.ErrPaused):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrUndercollateralized),
		errors.Is(err, engine.ErrBelowStrike),
		errors.Is(err, engine.ErrExpiredPosition),
		errors.Is(err, state.ErrInsufficientBalance),
		errors.Is(err, state.ErrArithmeticOverflow),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, fpmath.ErrOverflow):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrNoPrice), errors.Is(err, oracle.ErrStalePrice):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("unmapped engine error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 1000 {
		return def
	}
	return limit
}

func parseCursor(c *gin.Context, name string) *int64 {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
