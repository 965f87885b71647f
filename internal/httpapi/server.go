// Package httpapi exposes the coin ledger and escrow core to the booking
// workflow over HTTP. The core itself stays transport-free; this façade only
// validates requests, calls the library, and maps domain errors to statuses.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pawmates/coinledger/pkg/coins"
	"go.uber.org/zap"
)

const contextKeyAccountID = "account_id"

// Server handles booking-facing wallet and escrow requests.
type Server struct {
	logger        *zap.Logger
	coinService   *coins.Service
	escrowManager *coins.EscrowManager
	cfg           Config
}

// NewServer wires the HTTP façade over the coin service and escrow manager.
func NewServer(cfg Config, coinService *coins.Service, escrowManager *coins.EscrowManager, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if coinService == nil || escrowManager == nil {
		return nil, fmt.Errorf("coin service and escrow manager are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:        logger,
		coinService:   coinService,
		escrowManager: escrowManager,
		cfg:           cfg,
	}, nil
}

// Router builds the gin engine with auth, CORS and all wallet/escrow routes.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(server.authMiddleware())

	api.GET("/wallet", server.handleWallet)
	api.GET("/history", server.handleHistory)
	api.POST("/topups", server.handleTopUp)
	api.POST("/escrows", server.handleCreateEscrow)
	api.POST("/escrows/:bookingRef/release", server.handleReleaseEscrow)
	api.POST("/escrows/:bookingRef/refund", server.handleRefundEscrow)

	return router
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("httpapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.ShutdownGrace)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authMiddleware validates the bearer token and pins the caller's account id.
func (server *Server) authMiddleware() gin.HandlerFunc {
	signingKey := []byte(server.cfg.TokenSigningKey)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			return signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(server.cfg.TokenIssuer))
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		subject, err := token.Claims.GetSubject()
		if err != nil || strings.TrimSpace(subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject"))
			return
		}
		ctx.Set(contextKeyAccountID, subject)
		ctx.Next()
	}
}

func (server *Server) handleWallet(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	balance, err := server.coinService.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	entries, err := server.coinService.History(ctx.Request.Context(), accountID, 0, WalletHistoryLimit())
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance": balance,
		"entries": entryPayloads(entries),
	})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "0"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be an integer"))
		return
	}
	before, err := strconv.ParseInt(ctx.DefaultQuery("before", "0"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
		return
	}
	entries, err := server.coinService.History(ctx.Request.Context(), accountID, before, limit)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entryPayloads(entries)})
}

func (server *Server) handleTopUp(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := coins.NewCoinAmount(request.Amount)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	entry, err := server.coinService.Charge(ctx.Request.Context(), accountID, amount, request.Description)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryPayloadFrom(entry)})
}

func (server *Server) handleCreateEscrow(ctx *gin.Context) {
	accountID, ok := server.callerAccountID(ctx)
	if !ok {
		return
	}
	var request createEscrowRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	bookingRef, err := coins.NewBookingRef(request.BookingRef)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	providerAccountID, err := coins.NewAccountID(request.ProviderAccountID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	amount, err := coins.NewCoinAmount(request.Amount)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	escrow, err := server.escrowManager.Create(ctx.Request.Context(), bookingRef, accountID, providerAccountID, amount)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"escrow": escrowPayloadFrom(escrow)})
}

func (server *Server) handleReleaseEscrow(ctx *gin.Context) {
	server.resolveEscrow(ctx, server.escrowManager.Release)
}

func (server *Server) handleRefundEscrow(ctx *gin.Context) {
	server.resolveEscrow(ctx, server.escrowManager.Refund)
}

func (server *Server) resolveEscrow(ctx *gin.Context, resolve func(context.Context, coins.BookingRef) (coins.Escrow, error)) {
	if _, ok := server.callerAccountID(ctx); !ok {
		return
	}
	bookingRef, err := coins.NewBookingRef(ctx.Param("bookingRef"))
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	escrow, err := resolve(ctx.Request.Context(), bookingRef)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"escrow": escrowPayloadFrom(escrow)})
}

func (server *Server) callerAccountID(ctx *gin.Context) (coins.AccountID, bool) {
	raw, ok := ctx.Get(contextKeyAccountID)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return coins.AccountID{}, false
	}
	value, _ := raw.(string)
	accountID, err := coins.NewAccountID(value)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid account"))
		return coins.AccountID{}, false
	}
	return accountID, true
}

func (server *Server) respondDomainError(ctx *gin.Context, err error) {
	status, code := mapDomainError(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		server.logger.Error("ledger operation failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func mapDomainError(source error) (int, string) {
	switch {
	case errors.Is(source, coins.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(source, coins.ErrInvalidAccountID):
		return http.StatusBadRequest, "invalid_account_id"
	case errors.Is(source, coins.ErrInvalidBookingRef):
		return http.StatusBadRequest, "invalid_booking_ref"
	case errors.Is(source, coins.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(source, coins.ErrEscrowExists):
		return http.StatusConflict, "escrow_exists"
	case errors.Is(source, coins.ErrEscrowNotFound):
		return http.StatusNotFound, "escrow_not_found"
	case errors.Is(source, coins.ErrInvalidEscrowState):
		return http.StatusConflict, "invalid_escrow_state"
	case errors.Is(source, coins.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate_entry"
	case errors.Is(source, coins.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, "concurrency_conflict"
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type topUpRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type createEscrowRequest struct {
	BookingRef        string `json:"booking_ref"`
	ProviderAccountID string `json:"provider_account_id"`
	Amount            int64  `json:"amount"`
}

type entryPayload struct {
	EntryID       string `json:"entry_id"`
	AccountID     string `json:"account_id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	RelatedType   string `json:"related_type,omitempty"`
	RelatedRef    string `json:"related_ref,omitempty"`
	Description   string `json:"description,omitempty"`
	CreatedUnix   int64  `json:"created_unix_utc"`
}

type escrowPayload struct {
	EscrowID           string `json:"escrow_id"`
	BookingRef         string `json:"booking_ref"`
	RequesterAccountID string `json:"requester_account_id"`
	ProviderAccountID  string `json:"provider_account_id"`
	Amount             int64  `json:"amount"`
	Status             string `json:"status"`
	CreatedUnix        int64  `json:"created_unix_utc"`
	ReleasedUnix       int64  `json:"released_unix_utc,omitempty"`
	RefundedUnix       int64  `json:"refunded_unix_utc,omitempty"`
}

func entryPayloads(entries []coins.LedgerEntry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryPayloadFrom(entry))
	}
	return payloads
}

func entryPayloadFrom(entry coins.LedgerEntry) entryPayload {
	return entryPayload{
		EntryID:       entry.EntryID,
		AccountID:     entry.AccountID,
		Type:          entry.Type.String(),
		Amount:        entry.Amount.Int64(),
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		RelatedType:   entry.RelatedType,
		RelatedRef:    entry.RelatedRef,
		Description:   entry.Description,
		CreatedUnix:   entry.CreatedUnixUTC,
	}
}

func escrowPayloadFrom(escrow coins.Escrow) escrowPayload {
	return escrowPayload{
		EscrowID:           escrow.EscrowID,
		BookingRef:         escrow.BookingRef,
		RequesterAccountID: escrow.RequesterAccountID,
		ProviderAccountID:  escrow.ProviderAccountID,
		Amount:             escrow.Amount.Int64(),
		Status:             escrow.Status.String(),
		CreatedUnix:        escrow.CreatedUnixUTC,
		ReleasedUnix:       escrow.ReleasedUnixUTC,
		RefundedUnix:       escrow.RefundedUnixUTC,
	}
}
