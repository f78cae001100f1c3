package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultTransactionLimit = 100
	maxTransactionLimit     = 1000
)

type httpHandler struct {
	logger       *zap.Logger
	dependencies Dependencies
	timeout      time.Duration
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"roles":   claims.GetUserRoles(),
	})
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	var request openAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	customerID, err := ledger.NewCustomerID(request.CustomerID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_customer_id", err.Error()))
		return
	}
	initialCredit, err := request.initialCredit()
	if err != nil {
		handler.respondError(ctx, "open account", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.dependencies.Ledger.OpenAccount(requestCtx, customerID, initialCredit, request.ChargeReference)
	if err != nil {
		handler.respondError(ctx, "open account", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	customerID, ok := customerIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.dependencies.Ledger.Account(requestCtx, customerID)
	if err != nil {
		handler.respondError(ctx, "get account", err)
		return
	}
	payload := newAccountPayload(account)
	projected, hasHistory, err := handler.dependencies.Ledger.ProjectedDaysRemaining(requestCtx, customerID)
	if err != nil {
		handler.respondError(ctx, "project runway", err)
		return
	}
	if hasHistory {
		days := projected.StringFixed(ledger.AmountScale)
		payload.ProjectedDaysRemaining = &days
	}
	ctx.JSON(http.StatusOK, gin.H{"account": payload})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	customerID, ok := customerIDParam(ctx)
	if !ok {
		return
	}
	since, err := parseSince(ctx.Query("since"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_since", err.Error()))
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.dependencies.Ledger.ListTransactions(requestCtx, customerID, since, limit)
	if err != nil {
		handler.respondError(ctx, "list transactions", err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (handler *httpHandler) handleTopUp(ctx *gin.Context) {
	handler.applyAmount(ctx, "top up", "manual top-up", func(requestCtx context.Context, customerID ledger.CustomerID, request amountRequest, description string) (ledger.Transaction, error) {
		return handler.dependencies.Ledger.AddCredit(requestCtx, customerID, request.Amount, description, request.ChargeReference)
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	handler.applyAmount(ctx, "refund", "refund", func(requestCtx context.Context, customerID ledger.CustomerID, request amountRequest, description string) (ledger.Transaction, error) {
		return handler.dependencies.Ledger.Refund(requestCtx, customerID, request.Amount, description, request.ChargeReference)
	})
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	handler.applyAmount(ctx, "adjust", "operator adjustment", func(requestCtx context.Context, customerID ledger.CustomerID, request amountRequest, description string) (ledger.Transaction, error) {
		return handler.dependencies.Ledger.Adjust(requestCtx, customerID, request.Amount, description)
	})
}

type amountOperation func(requestCtx context.Context, customerID ledger.CustomerID, request amountRequest, description string) (ledger.Transaction, error)

func (handler *httpHandler) applyAmount(ctx *gin.Context, operation string, defaultDescription string, apply amountOperation) {
	customerID, ok := customerIDParam(ctx)
	if !ok {
		return
	}
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := apply(requestCtx, customerID, request, operatorDescription(ctx, request.Description, defaultDescription))
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(transaction)})
}

func (handler *httpHandler) handleSuspend(ctx *gin.Context) {
	customerID, ok := customerIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.dependencies.Ledger.Suspend(requestCtx, customerID)
	if err != nil {
		handler.respondError(ctx, "suspend", err)
		return
	}
	handler.logger.Info("account suspended", zap.String("customer_id", customerID.String()), zap.String("operator", operatorID(ctx)))
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleBillingRun(ctx *gin.Context) {
	customerID, ok := customerIDParam(ctx)
	if !ok {
		return
	}
	var request billingRunRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	billingDate := handler.dependencies.Now().UTC()
	if request.BillingDate != "" {
		parsed, err := time.Parse(time.DateOnly, request.BillingDate)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_billing_date", "billing_date must be YYYY-MM-DD"))
			return
		}
		billingDate = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.dependencies.Billing.ProcessDailyBilling(requestCtx, customerID, billingDate)
	if err != nil {
		handler.respondError(ctx, "billing run", err)
		return
	}
	handler.logger.Info("manual billing run", zap.String("customer_id", customerID.String()), zap.String("operator", operatorID(ctx)), zap.String("outcome", string(result.Outcome)))
	ctx.JSON(http.StatusOK, gin.H{"result": newBillingResultPayload(result)})
}

func (handler *httpHandler) handleVerify(ctx *gin.Context) {
	customerID, ok := customerIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	verification, err := handler.dependencies.Ledger.VerifyAccount(requestCtx, customerID)
	if errors.Is(err, ledger.ErrLedgerMismatch) {
		handler.logger.Error("ledger verification mismatch", zap.String("customer_id", customerID.String()), zap.Error(err))
		response := errorResponse("ledger_mismatch", err.Error())
		response["verification"] = newVerificationPayload(verification, false)
		ctx.JSON(http.StatusConflict, response)
		return
	}
	if err != nil {
		handler.respondError(ctx, "verify", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"verification": newVerificationPayload(verification, true)})
}

func (handler *httpHandler) handleCircuit(ctx *gin.Context) {
	serviceName := ctx.Param("service")
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	state, err := handler.dependencies.Circuits.State(requestCtx, serviceName)
	if err != nil {
		handler.respondError(ctx, "circuit state", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"circuit": newCircuitPayload(state)})
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func customerIDParam(ctx *gin.Context) (ledger.CustomerID, bool) {
	customerID, err := ledger.NewCustomerID(ctx.Param("customer_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_customer_id", err.Error()))
		return ledger.CustomerID{}, false
	}
	return customerID, true
}

func operatorID(ctx *gin.Context) string {
	if claims := getClaims(ctx); claims != nil {
		return claims.GetUserID()
	}
	return ""
}

// operatorDescription falls back to "<default> by <operator>" when no description is given.
func operatorDescription(ctx *gin.Context, description string, defaultDescription string) string {
	if trimmed(description) != "" {
		return trimmed(description)
	}
	if operator := operatorID(ctx); operator != "" {
		return defaultDescription + " by " + operator
	}
	return defaultDescription
}

func parseSince(raw string) (time.Time, error) {
	if trimmed(raw) == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC3339 or YYYY-MM-DD")
	}
	return parsed, nil
}

func parseLimit(raw string) (int, error) {
	if trimmed(raw) == "" {
		return defaultTransactionLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}
	return limit, nil
}

func (request openAccountRequest) initialCredit() (decimal.Decimal, error) {
	if request.InitialCredit != nil {
		return *request.InitialCredit, nil
	}
	if request.DailyBudget == nil {
		return decimal.Zero, fmt.Errorf("%w: initial_credit or daily_budget is required", ledger.ErrInvalidAmount)
	}
	return ledger.CalculateInitialCredit(*request.DailyBudget, request.Days)
}
