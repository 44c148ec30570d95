package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/resumeforge/creditd/internal/webhook"
	"github.com/resumeforge/creditd/pkg/credits"
)

const (
	contextKeyUserID = "auth_user_id"
	bearerPrefix     = "Bearer "

	messageInsufficientCredits = "Insufficient credits."
)

// CreditService is the domain surface the HTTP layer depends on.
type CreditService interface {
	Consume(ctx context.Context, userID credits.UserID, amount credits.AmountCredits, metadata credits.MetadataJSON) (credits.AmountCredits, error)
	Fund(ctx context.Context, event credits.ProviderEvent) (credits.FundResult, error)
	BeginPurchase(ctx context.Context, userID credits.UserID, amount credits.AmountCredits) (credits.PurchaseIntent, error)
	Balance(ctx context.Context, userID credits.UserID) (credits.Balance, error)
	History(ctx context.Context, userID credits.UserID, limit int) ([]credits.Entry, error)
}

// TokenVerifier validates an inbound bearer credential.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (credits.UserID, error)
}

// EventVerifier authenticates and parses a webhook delivery.
type EventVerifier interface {
	VerifyAndParse(rawBody []byte, signatureHeader string) (credits.ProviderEvent, error)
}

// Server exposes the credits service over HTTP.
type Server struct {
	cfg            Config
	logger         *zap.Logger
	service        CreditService
	tokens         TokenVerifier
	events         EventVerifier
	consumeCost    credits.AmountCredits
	purchaseAmount credits.AmountCredits
}

// NewServer wires a Server.
func NewServer(cfg Config, logger *zap.Logger, service CreditService, tokens TokenVerifier, events EventVerifier) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if service == nil || tokens == nil || events == nil {
		return nil, fmt.Errorf("%w: server dependency is nil", credits.ErrInvalidServiceConfig)
	}
	consumeCost, err := credits.NewAmountCredits(cfg.ConsumeCostCredits)
	if err != nil {
		return nil, fmt.Errorf("consume cost: %w", err)
	}
	purchaseAmount, err := credits.NewAmountCredits(cfg.PurchaseCredits)
	if err != nil {
		return nil, fmt.Errorf("purchase credits: %w", err)
	}
	return &Server{
		cfg:            cfg,
		logger:         logger,
		service:        service,
		tokens:         tokens,
		events:         events,
		consumeCost:    consumeCost,
		purchaseAmount: purchaseAmount,
	}, nil
}

// Run boots the HTTP server and blocks until ctx is cancelled or the listener fails.
func (server *Server) Run(ctx context.Context) error {
	router := server.Router()

	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("creditd api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

// Router assembles the gin engine with CORS, auth, and all routes.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(server.corsConfig()))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/payment", server.handleWebhook)

	api := router.Group("/api")
	api.Use(server.authMiddleware())

	api.POST("/consume", server.handleConsume)
	api.GET("/wallet", server.handleWallet)
	api.POST("/purchases", server.handlePurchase)

	return router
}

func (server *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "Origin", "Accept", webhook.SignatureHeader},
		MaxAge:       12 * time.Hour,
	}
	if len(server.cfg.AllowedOrigins) == 1 && server.cfg.AllowedOrigins[0] == "*" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = server.cfg.AllowedOrigins
	cfg.AllowCredentials = true
	return cfg
}

func (server *Server) authMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing bearer credential"))
			return
		}
		userID, err := server.tokens.Verify(ctx.Request.Context(), strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthenticated", "invalid credential"))
			return
		}
		ctx.Set(contextKeyUserID, userID)
		ctx.Next()
	}
}

func (server *Server) handleConsume(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing credential"))
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "metadata must be valid JSON"))
		return
	}

	newBalance, err := server.service.Consume(ctx.Request.Context(), userID, server.consumeCost, metadata)
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientBalance) {
			ctx.JSON(http.StatusPaymentRequired, gin.H{"error": messageInsufficientCredits})
			return
		}
		server.logger.Error("consume failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(storeFailureStatus(err), errorResponse("ledger_error", "consume failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"userId":  userID.String(),
		"balance": newBalance.Int64(),
	})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing credential"))
		return
	}
	balance, err := server.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(storeFailureStatus(err), errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	entries, err := server.service.History(ctx.Request.Context(), userID, walletHistoryLimit)
	if err != nil {
		server.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(storeFailureStatus(err), errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:          entry.EntryID,
			Delta:            entry.DeltaCredits,
			Reason:           entry.Reason.String(),
			ResultingBalance: entry.ResultingBalance,
			CreatedUnixUTC:   entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		BalanceCredits: balance.Credits.Int64(),
		Entries:        payload,
	}})
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing credential"))
		return
	}
	intent, err := server.service.BeginPurchase(ctx.Request.Context(), userID, server.purchaseAmount)
	if err != nil {
		server.logger.Error("purchase initiation failed", zap.Error(err))
		ctx.JSON(storeFailureStatus(err), errorResponse("ledger_error", "purchase initiation failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"correlationId": intent.CorrelationID,
		"credits":       intent.AmountCredits.Int64(),
	})
}

// handleWebhook consumes the raw, unparsed body; signature verification must
// run over the exact bytes the provider signed.
func (server *Server) handleWebhook(ctx *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := server.events.VerifyAndParse(rawBody, ctx.GetHeader(webhook.SignatureHeader))
	if err != nil {
		server.logger.Warn("webhook rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_webhook", "verification failed"))
		return
	}

	result, err := server.service.Fund(ctx.Request.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, credits.ErrMalformedPayload),
			errors.Is(err, credits.ErrUnknownPurchaseIntent),
			errors.Is(err, credits.ErrIntentAlreadyFunded):
			server.logger.Warn("webhook payload rejected", zap.String("event_id", event.EventID), zap.Error(err))
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_webhook", "event rejected"))
		default:
			// 500 asks the provider to retry; the idempotency claim makes
			// the retry safe.
			server.logger.Error("webhook persistence failed", zap.String("event_id", event.EventID), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "event not applied"))
		}
		return
	}

	server.logger.Info("webhook settled",
		zap.String("event_id", event.EventID),
		zap.String("outcome", string(result.Outcome)),
	)
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func currentUserID(ctx *gin.Context) (credits.UserID, bool) {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return credits.UserID{}, false
	}
	userID, ok := value.(credits.UserID)
	return userID, ok
}

func storeFailureStatus(err error) int {
	if errors.Is(err, credits.ErrTransientStore) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type consumeRequest struct {
	Metadata map[string]any `json:"metadata"`
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

type walletResponse struct {
	BalanceCredits int64          `json:"balance_credits"`
	Entries        []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID          string `json:"entry_id"`
	Delta            int64  `json:"delta_credits"`
	Reason           string `json:"reason"`
	ResultingBalance int64  `json:"resulting_balance"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}
