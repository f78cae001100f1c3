// Package gateway implements the billing collaborators as JSON-over-HTTP clients.
// Every call goes through the resilience executor under the client's service name.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
)

const (
	ServicePaymentGateway  = "payment_gateway"
	ServiceAdPlatform      = "ad_platform"
	ServiceCampaignManager = "campaign_manager"

	defaultTimeout      = 15 * time.Second
	maxErrorBodyBytes   = 64 << 10
	headerAuthorization = "Authorization"
	headerIdempotency   = "Idempotency-Key"
)

var ErrInvalidClientConfig = errors.New("invalid gateway client config")

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(request *http.Request) (*http.Response, error)
}

// ClientConfig addresses one upstream service.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Policy  resilience.RetryPolicy
}

// ClientOption configures a gateway client.
type ClientOption func(*client)

// WithHTTPDoer overrides the HTTP transport.
func WithHTTPDoer(doer HTTPDoer) ClientOption {
	return func(target *client) {
		if doer != nil {
			target.http = doer
		}
	}
}

type client struct {
	service  string
	baseURL  string
	token    string
	policy   resilience.RetryPolicy
	executor *resilience.Executor
	http     HTTPDoer
}

func newClient(service string, config ClientConfig, executor *resilience.Executor, options ...ClientOption) (*client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %s base url is empty", ErrInvalidClientConfig, service)
	}
	if executor == nil {
		return nil, fmt.Errorf("%w: %s executor is nil", ErrInvalidClientConfig, service)
	}
	policy := config.Policy
	if policy == (resilience.RetryPolicy{}) {
		policy = resilience.DefaultRetryPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidClientConfig, service, err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	target := &client{
		service:  service,
		baseURL:  baseURL,
		token:    config.Token,
		policy:   policy,
		executor: executor,
		http:     &http.Client{Timeout: timeout},
	}
	for _, option := range options {
		if option != nil {
			option(target)
		}
	}
	return target, nil
}

type callSpec struct {
	method  string
	path    string
	headers map[string]string
	body    any
	fields  map[string]any
}

// call runs one request under the executor and decodes a 2xx body into out.
func (target *client) call(ctx context.Context, outgoing callSpec, out any) error {
	var payload []byte
	if outgoing.body != nil {
		encoded, err := json.Marshal(outgoing.body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", target.service, err)
		}
		payload = encoded
	}
	return target.executor.Do(ctx, target.service, outgoing.fields, target.policy, func(ctx context.Context) error {
		return target.roundTrip(ctx, outgoing, payload, out)
	})
}

func (target *client) roundTrip(ctx context.Context, outgoing callSpec, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, outgoing.method, target.baseURL+outgoing.path, body)
	if err != nil {
		return resilience.NewExternalError(0, "%s: invalid value for request: %v", target.service, err)
	}
	httpRequest.Header.Set("Accept", "application/json")
	if payload != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if target.token != "" {
		httpRequest.Header.Set(headerAuthorization, "Bearer "+target.token)
	}
	for key, value := range outgoing.headers {
		httpRequest.Header.Set(key, value)
	}

	response, err := target.http.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", target.service, outgoing.method, outgoing.path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return resilience.NewExternalError(response.StatusCode, "%s %s %s: %s", target.service, outgoing.method, outgoing.path, errorMessage(raw, response.Status))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s %s: decode response: %w", target.service, outgoing.method, outgoing.path, err)
	}
	return nil
}

type errorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorMessage extracts {"error":{"message"}}, {"error":"..."} or {"message"} bodies.
func errorMessage(raw []byte, fallback string) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil {
		var detail errorDetail
		if len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "" {
			return detail.Message
		}
		var text string
		if len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &text) == nil && text != "" {
			return text
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
		return trimmed
	}
	return fallback
}
