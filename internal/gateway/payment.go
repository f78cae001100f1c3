package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"github.com/shopspring/decimal"
)

const pathCharges = "/v1/charges"

// PaymentClient charges the customer's stored payment method.
type PaymentClient struct {
	client *client
}

// NewPaymentClient wires a billing.PaymentCharger.
func NewPaymentClient(config ClientConfig, executor *resilience.Executor, options ...ClientOption) (*PaymentClient, error) {
	target, err := newClient(ServicePaymentGateway, config, executor, options...)
	if err != nil {
		return nil, err
	}
	return &PaymentClient{client: target}, nil
}

type chargeRequest struct {
	CustomerID  string          `json:"customer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type chargeResponse struct {
	ID string `json:"id"`
}

// Charge retries are safe: the idempotency key travels on every attempt.
func (payments *PaymentClient) Charge(ctx context.Context, request billing.ChargeRequest) (billing.ChargeReceipt, error) {
	var response chargeResponse
	err := payments.client.call(ctx, callSpec{
		method:  http.MethodPost,
		path:    pathCharges,
		headers: map[string]string{headerIdempotency: request.IdempotencyKey},
		body: chargeRequest{
			CustomerID:  request.CustomerID.String(),
			Amount:      request.Amount.Round(ledger.AmountScale),
			Description: request.Description,
		},
		fields: map[string]any{
			"customer_id":     request.CustomerID.String(),
			"amount":          request.Amount.StringFixed(ledger.AmountScale),
			"idempotency_key": request.IdempotencyKey,
		},
	}, &response)
	if err != nil {
		return billing.ChargeReceipt{}, err
	}
	if response.ID == "" {
		return billing.ChargeReceipt{}, fmt.Errorf("%s: charge response missing id", ServicePaymentGateway)
	}
	return billing.ChargeReceipt{Reference: response.ID}, nil
}
