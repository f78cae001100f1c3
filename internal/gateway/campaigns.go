package gateway

import (
	"context"
	"net/http"
	"net/url"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"github.com/shopspring/decimal"
)

// CampaignClient controls the customer's campaigns on the campaign manager.
type CampaignClient struct {
	client *client
}

// NewCampaignClient wires a billing.CampaignController.
func NewCampaignClient(config ClientConfig, executor *resilience.Executor, options ...ClientOption) (*CampaignClient, error) {
	target, err := newClient(ServiceCampaignManager, config, executor, options...)
	if err != nil {
		return nil, err
	}
	return &CampaignClient{client: target}, nil
}

type campaignPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Active   bool   `json:"active"`
}

type campaignListResponse struct {
	Campaigns []campaignPayload `json:"campaigns"`
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

type multiplierRequest struct {
	Multiplier decimal.Decimal `json:"multiplier"`
}

func (controller *CampaignClient) ListCampaigns(ctx context.Context, customerID ledger.CustomerID) ([]billing.Campaign, error) {
	var response campaignListResponse
	err := controller.client.call(ctx, callSpec{
		method: http.MethodGet,
		path:   customerPath(customerID) + "/campaigns",
		fields: map[string]any{"customer_id": customerID.String()},
	}, &response)
	if err != nil {
		return nil, err
	}
	campaigns := make([]billing.Campaign, 0, len(response.Campaigns))
	for _, campaign := range response.Campaigns {
		campaigns = append(campaigns, billing.Campaign{
			ID:       campaign.ID,
			Name:     campaign.Name,
			Platform: campaign.Platform,
			Active:   campaign.Active,
		})
	}
	return campaigns, nil
}

func (controller *CampaignClient) PauseCampaigns(ctx context.Context, customerID ledger.CustomerID, reason string) error {
	return controller.client.call(ctx, callSpec{
		method: http.MethodPost,
		path:   customerPath(customerID) + "/campaigns/pause",
		body:   pauseRequest{Reason: reason},
		fields: map[string]any{"customer_id": customerID.String(), "reason": reason},
	}, nil)
}

func (controller *CampaignClient) ResumeCampaigns(ctx context.Context, customerID ledger.CustomerID) error {
	return controller.client.call(ctx, callSpec{
		method: http.MethodPost,
		path:   customerPath(customerID) + "/campaigns/resume",
		body:   struct{}{},
		fields: map[string]any{"customer_id": customerID.String()},
	}, nil)
}

func (controller *CampaignClient) ApplyBudgetMultiplier(ctx context.Context, customerID ledger.CustomerID, campaignID string, multiplier decimal.Decimal) error {
	return controller.client.call(ctx, callSpec{
		method: http.MethodPost,
		path:   customerPath(customerID) + "/campaigns/" + url.PathEscape(campaignID) + "/budget-multiplier",
		body:   multiplierRequest{Multiplier: multiplier},
		fields: map[string]any{
			"customer_id": customerID.String(),
			"campaign_id": campaignID,
			"multiplier":  multiplier.String(),
		},
	}, nil)
}
