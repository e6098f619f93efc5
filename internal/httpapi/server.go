// Package httpapi exposes the ledger operations over HTTP. It is a thin
// façade: every balance mutation still funnels through the points service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/points/internal/analytics"
	"github.com/MarkoPoloResearchLab/points/internal/catalog"
	"github.com/MarkoPoloResearchLab/points/internal/convert"
	"github.com/MarkoPoloResearchLab/points/internal/marketplace"
	"github.com/MarkoPoloResearchLab/points/internal/missions"
	"github.com/MarkoPoloResearchLab/points/internal/refund"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

// Services bundles the domain components the API fronts.
type Services struct {
	Ledger      *points.Service
	Converter   *convert.Engine
	Marketplace *marketplace.Orchestrator
	Missions    *missions.Calculator
	Refunds     *refund.Processor
	Analytics   *analytics.Aggregator
}

// Run boots the HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, services Services, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := newHandler(services, cfg, logger)
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/accounts/:account_id")
	api.GET("/wallet", handler.handleWallet)
	api.GET("/summary", handler.handleSummary)
	api.GET("/purchases", handler.handleListPurchases)
	api.POST("/earn", handler.handleEarn)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/conversions", handler.handleConversion)
	api.POST("/missions", handler.handleMission)
	api.POST("/refunds", handler.handleRefund)

	return router
}

type httpHandler struct {
	services Services
	cfg      Config
	logger   *zap.Logger
	validate *validator.Validate
}

func newHandler(services Services, cfg Config, logger *zap.Logger) *httpHandler {
	return &httpHandler{
		services: services,
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
	}
}

func (handler *httpHandler) accountID(ctx *gin.Context) (points.AccountID, bool) {
	accountID, err := points.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account id is required"))
		return points.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) bindAndValidate(ctx *gin.Context, request any) bool {
	if err := ctx.ShouldBindJSON(request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return false
	}
	if err := handler.validate.Struct(request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return false
	}
	return true
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	account, err := handler.services.Ledger.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactions, err := handler.services.Ledger.History(requestCtx, accountID, 0, walletHistoryLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, toTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, walletResponse{
		AccountID:          accountID.String(),
		Balance:            account.Balance,
		SubscriptionCredit: account.SubscriptionCredit.StringFixed(2),
		Transactions:       payloads,
	})
}

func (handler *httpHandler) handleSummary(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	summary, err := handler.services.Analytics.Summarize(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":          summary.AccountID,
		"balance":             summary.Balance,
		"subscription_credit": summary.SubscriptionCredit.StringFixed(2),
		"total_earned":        summary.TotalEarned,
		"total_spent":         summary.TotalSpent,
		"total_refunded":      summary.TotalRefunded,
		"total_converted":     summary.TotalConverted,
		"month": gin.H{
			"earned":    summary.Month.Earned,
			"spent":     summary.Month.Spent,
			"refunded":  summary.Month.Refunded,
			"converted": summary.Month.Converted,
		},
	})
}

func (handler *httpHandler) handleEarn(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request earnRequest
	if !handler.bindAndValidate(ctx, &request) {
		return
	}
	amount, err := points.NewPointsAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	idempotencyKey, metadata, err := requestKeyAndMetadata(request.IdempotencyKey, "earn", request.Metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transaction, err := handler.services.Ledger.Credit(requestCtx, accountID, points.TypeEarn, amount, request.Source, request.Description, idempotencyKey, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": toTransactionPayload(transaction)})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if !handler.bindAndValidate(ctx, &request) {
		return
	}
	idempotencyKey, err := requestKey(request.IdempotencyKey, "purchase")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	purchase, err := handler.services.Marketplace.Purchase(requestCtx, accountID, request.ProductID, idempotencyKey, request.Metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"purchase": toPurchasePayload(purchase)})
}

func (handler *httpHandler) handleListPurchases(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	purchases, err := handler.services.Marketplace.Purchases(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]purchasePayload, 0, len(purchases))
	for _, purchase := range purchases {
		payloads = append(payloads, toPurchasePayload(purchase))
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": payloads})
}

func (handler *httpHandler) handleConversion(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request conversionRequest
	if !handler.bindAndValidate(ctx, &request) {
		return
	}
	idempotencyKey, err := requestKey(request.IdempotencyKey, "conversion")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transaction, err := handler.services.Converter.Convert(requestCtx, accountID, request.Points, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": toTransactionPayload(transaction)})
}

func (handler *httpHandler) handleMission(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request missionRequest
	if !handler.bindAndValidate(ctx, &request) {
		return
	}
	idempotencyKey, err := requestKey(request.IdempotencyKey, "mission")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transaction, breakdown, err := handler.services.Missions.Fund(requestCtx, accountID, missions.FundingRequest{
		BasePoints:      request.BasePoints,
		RewardPoints:    request.RewardPoints,
		MaxParticipants: request.MaxParticipants,
	}, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction": toTransactionPayload(transaction),
		"breakdown": gin.H{
			"base_points":  breakdown.BasePoints,
			"reward_pool":  breakdown.RewardPool,
			"platform_fee": breakdown.PlatformFee,
			"total_cost":   breakdown.TotalCost,
		},
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request refundRequest
	if !handler.bindAndValidate(ctx, &request) {
		return
	}
	idempotencyKey, metadata, err := requestKeyAndMetadata(request.IdempotencyKey, "refund", request.Metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transaction, err := handler.services.Refunds.Refund(requestCtx, accountID, request.Amount, request.Source, request.Description, idempotencyKey, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": toTransactionPayload(transaction)})
}

// respondError maps domain errors to status codes with actionable payloads.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var insufficient *points.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":     "insufficient_balance",
				"message":  insufficient.Error(),
				"balance":  insufficient.Balance,
				"required": insufficient.Required,
				"missing":  insufficient.Missing(),
			},
		})
		return
	}
	var capExceeded *convert.MonthlyCapError
	if errors.As(err, &capExceeded) {
		ctx.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"code":      "monthly_cap_exceeded",
				"message":   capExceeded.Error(),
				"remaining": capExceeded.Remaining(),
			},
		})
		return
	}
	var recordFailure *marketplace.PurchaseRecordError
	if errors.As(err, &recordFailure) {
		ctx.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{
				"code":           "purchase_record_failed",
				"message":        "points were charged but the purchase record could not be written",
				"transaction_id": recordFailure.Transaction.TransactionID,
			},
		})
		return
	}
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("product_not_found", err.Error()))
	case errors.Is(err, convert.ErrBelowMinimum):
		ctx.JSON(http.StatusBadRequest, errorResponse("conversion_below_minimum", err.Error()))
	case errors.Is(err, points.ErrInvalidAmount),
		errors.Is(err, points.ErrInvalidAccountID),
		errors.Is(err, points.ErrInvalidIdempotencyKey),
		errors.Is(err, points.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, points.ErrConcurrentModification):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("concurrent_modification", "the account is busy, retry the request"))
	case errors.Is(err, context.DeadlineExceeded):
		ctx.JSON(http.StatusGatewayTimeout, errorResponse("timeout", "the operation timed out"))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}

func requestKey(raw string, operation string) (points.IdempotencyKey, error) {
	if raw == "" {
		raw = fmt.Sprintf("%s:%s", operation, uuid.NewString())
	}
	return points.NewIdempotencyKey(raw)
}

func requestKeyAndMetadata(rawKey string, operation string, rawMetadata map[string]string) (points.IdempotencyKey, points.MetadataJSON, error) {
	idempotencyKey, err := requestKey(rawKey, operation)
	if err != nil {
		return points.IdempotencyKey{}, points.MetadataJSON{}, err
	}
	metadata, err := marshalMetadata(rawMetadata)
	if err != nil {
		return points.IdempotencyKey{}, points.MetadataJSON{}, err
	}
	return idempotencyKey, metadata, nil
}

func marshalMetadata(metadata map[string]string) (points.MetadataJSON, error) {
	if len(metadata) == 0 {
		return points.NewMetadataJSON("")
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return points.MetadataJSON{}, err
	}
	return points.NewMetadataJSON(string(raw))
}

func toTransactionPayload(transaction points.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID:  transaction.TransactionID,
		Type:           transaction.Type.String(),
		Amount:         transaction.Amount,
		Source:         transaction.Source,
		Description:    transaction.Description,
		BalanceBefore:  transaction.BalanceBefore,
		BalanceAfter:   transaction.BalanceAfter,
		Metadata:       json.RawMessage(transaction.Metadata.String()),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
	if transaction.Type == points.TypeConversion {
		payload.CreditAmount = transaction.CreditAmount.StringFixed(2)
	}
	return payload
}

func toPurchasePayload(purchase marketplace.Purchase) purchasePayload {
	return purchasePayload{
		PurchaseID:       purchase.PurchaseID,
		ProductID:        purchase.ProductID,
		ProductName:      purchase.ProductName,
		PointsSpent:      purchase.PointsSpent,
		TransactionID:    purchase.TransactionID,
		Status:           string(purchase.Status),
		PurchasedUnixUTC: purchase.PurchasedUnixUTC,
		ExpiresUnixUTC:   purchase.ExpiresUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
