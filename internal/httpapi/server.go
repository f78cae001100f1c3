// Package httpapi exposes the operator HTTP API over the ledger, billing and circuit state.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	defaultRequestTimeout = 30 * time.Second
	shutdownTimeout       = 5 * time.Second
)

var ErrInvalidServerConfig = errors.New("invalid http server config")

// Ledger is the subset of *ledger.Service the API drives.
type Ledger interface {
	OpenAccount(ctx context.Context, customerID ledger.CustomerID, initialCredit decimal.Decimal, chargeReference string) (ledger.Account, error)
	Account(ctx context.Context, customerID ledger.CustomerID) (ledger.Account, error)
	ListTransactions(ctx context.Context, customerID ledger.CustomerID, since time.Time, limit int) ([]ledger.Transaction, error)
	AddCredit(ctx context.Context, customerID ledger.CustomerID, amount decimal.Decimal, description string, chargeReference string) (ledger.Transaction, error)
	Refund(ctx context.Context, customerID ledger.CustomerID, amount decimal.Decimal, description string, chargeReference string) (ledger.Transaction, error)
	Adjust(ctx context.Context, customerID ledger.CustomerID, signedAmount decimal.Decimal, description string) (ledger.Transaction, error)
	Suspend(ctx context.Context, customerID ledger.CustomerID) (ledger.Account, error)
	ProjectedDaysRemaining(ctx context.Context, customerID ledger.CustomerID) (decimal.Decimal, bool, error)
	VerifyAccount(ctx context.Context, customerID ledger.CustomerID) (ledger.Verification, error)
}

// BillingRunner is satisfied by *billing.Processor.
type BillingRunner interface {
	ProcessDailyBilling(ctx context.Context, customerID ledger.CustomerID, billingDate time.Time) (billing.Result, error)
}

// CircuitReader is satisfied by *resilience.CircuitBreaker.
type CircuitReader interface {
	State(ctx context.Context, serviceName string) (resilience.CircuitState, error)
}

// Config aggregates the HTTP settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration
}

// Dependencies are the domain services behind the API.
type Dependencies struct {
	Ledger   Ledger
	Billing  BillingRunner
	Circuits CircuitReader
	Now      func() time.Time
}

// Server serves the operator API.
type Server struct {
	config Config
	router *gin.Engine
	logger *zap.Logger
}

// New validates the configuration and builds the router.
func New(config Config, dependencies Dependencies, logger *zap.Logger) (*Server, error) {
	if dependencies.Ledger == nil || dependencies.Billing == nil || dependencies.Circuits == nil {
		return nil, fmt.Errorf("%w: ledger, billing and circuit dependencies are required", ErrInvalidServerConfig)
	}
	if len(config.SessionSigningKey) == 0 {
		return nil, fmt.Errorf("%w: session signing key is required", ErrInvalidServerConfig)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if dependencies.Now == nil {
		dependencies.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(config.SessionSigningKey),
		Issuer:     config.SessionIssuer,
		CookieName: config.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:       logger,
		dependencies: dependencies,
		timeout:      config.RequestTimeout,
	}
	return &Server{
		config: config,
		router: setupRouter(config, handler, validator),
		logger: logger,
	}, nil
}

// Handler returns the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run listens until ctx ends and then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.config.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("http server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(config Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.POST("/accounts", handler.handleOpenAccount)
	api.GET("/circuits/:service", handler.handleCircuit)

	account := api.Group("/accounts/:customer_id")
	account.GET("", handler.handleAccount)
	account.GET("/transactions", handler.handleTransactions)
	account.POST("/topups", handler.handleTopUp)
	account.POST("/refunds", handler.handleRefund)
	account.POST("/adjustments", handler.handleAdjustment)
	account.POST("/suspend", handler.handleSuspend)
	account.POST("/billing-runs", handler.handleBillingRun)
	account.GET("/verify", handler.handleVerify)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError maps domain failures onto HTTP statuses; anything unmapped is logged
// and reported as internal.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ledger.ErrUnknownAccount):
		status, code = http.StatusNotFound, "unknown_account"
	case errors.Is(err, ledger.ErrAccountExists):
		status, code = http.StatusConflict, "account_exists"
	case errors.Is(err, ledger.ErrAccountSuspended):
		status, code = http.StatusConflict, "account_suspended"
	case errors.Is(err, billing.ErrBillingInProgress):
		status, code = http.StatusConflict, "billing_in_progress"
	case errors.Is(err, ledger.ErrLedgerMismatch):
		status, code = http.StatusConflict, "ledger_mismatch"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidDays), errors.Is(err, ledger.ErrInvalidCustomerID), errors.Is(err, ledger.ErrInvalidMetadataJSON):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, resilience.ErrCircuitOpen):
		status, code = http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, resilience.ErrRetriesExhausted), errors.Is(err, resilience.ErrFatalOperation), errors.Is(err, resilience.ErrOperationTimeout):
		status, code = http.StatusBadGateway, "upstream_error"
	}
	if status >= http.StatusInternalServerError {
		handler.logger.Error("http request failed", zap.String("operation", operation), zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = operation + " failed"
	}
	ctx.JSON(status, errorResponse(code, message))
}

func trimmed(value string) string {
	return strings.TrimSpace(value)
}
