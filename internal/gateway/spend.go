package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"github.com/shopspring/decimal"
)

// SpendClient reads actual ad spend from the ad platform.
type SpendClient struct {
	client *client
}

// NewSpendClient wires a billing.SpendReporter.
func NewSpendClient(config ClientConfig, executor *resilience.Executor, options ...ClientOption) (*SpendClient, error) {
	target, err := newClient(ServiceAdPlatform, config, executor, options...)
	if err != nil {
		return nil, err
	}
	return &SpendClient{client: target}, nil
}

type spendResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

// ActualSpend returns spend over [period.Start, period.End).
func (reporter *SpendClient) ActualSpend(ctx context.Context, customerID ledger.CustomerID, period billing.DateRange) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("start", period.Start.UTC().Format(time.DateOnly))
	query.Set("end", period.End.UTC().Format(time.DateOnly))
	var response spendResponse
	err := reporter.client.call(ctx, callSpec{
		method: http.MethodGet,
		path:   customerPath(customerID) + "/spend?" + query.Encode(),
		fields: map[string]any{
			"customer_id": customerID.String(),
			"start":       query.Get("start"),
			"end":         query.Get("end"),
		},
	}, &response)
	if err != nil {
		return decimal.Zero, err
	}
	return response.Amount, nil
}

func customerPath(customerID ledger.CustomerID) string {
	return "/v1/customers/" + url.PathEscape(customerID.String())
}
