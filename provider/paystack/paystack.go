// Package paystack is the redirect-checkout adapter for the Paystack transactions API
package paystack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"reconciler/provider"
)

const DefaultURL = "https://api.paystack.co"

// Event types that can change a transaction's status
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

// StatusSuccess is the only verify or event status that means the customer paid
const StatusSuccess = "success"

var _ provider.RedirectCheckout = (*Client)(nil)

type Config struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
	Timeout     time.Duration
}

type Client struct {
	config Config
	http   *http.Client
	logger zerolog.Logger
	// generates the checkout reference sent with each initialization
	newRef func() string
}

func New(config Config, logger zerolog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger.With().Str("provider", "paystack").Logger(),
		newRef: func() string { return uuid.New().String() },
	}
}

func (c *Client) Name() string {
	return "paystack"
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.config.SecretKey)
	return h
}

// ToMinor converts a major-unit amount to kobo
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinor converts kobo to a major-unit amount
func FromMinor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Initiate creates a hosted checkout for the transaction
func (c *Client) Initiate(ctx context.Context, req provider.InitiateRequest) provider.InitiateResult {
	body := initializeRequest{
		Email:       req.Identifier,
		Amount:      ToMinor(req.Amount),
		Reference:   c.newRef(),
		CallbackURL: c.config.CallbackURL,
		Metadata:    map[string]string{"transaction_id": req.TransactionID},
	}

	raw, status, err := provider.Call(ctx, c.http, http.MethodPost,
		c.config.BaseURL+"/transaction/initialize", c.header(), body)
	if err != nil {
		c.logger.Error().Err(err).Str("transaction_id", req.TransactionID).Msg("initializing checkout")
		return provider.InitiateResult{Error: "provider unreachable: " + err.Error()}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return provider.InitiateResult{Error: fmt.Sprintf("unexpected provider response (%d)", status), Raw: raw}
	}
	if status != http.StatusOK || !env.Status {
		return provider.InitiateResult{Error: message(env, status), Raw: raw}
	}

	var data initializeData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AuthorizationURL == "" {
		return provider.InitiateResult{Error: "provider response missing authorization url", Raw: raw}
	}
	if data.Reference == "" {
		data.Reference = body.Reference
	}

	return provider.InitiateResult{
		Success:     true,
		Reference:   data.Reference,
		CheckoutURL: data.AuthorizationURL,
		Raw:         raw,
	}
}

type verifyData struct {
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

// Verify fetches the provider's current view of a checkout
func (c *Client) Verify(ctx context.Context, reference string) provider.VerifyResult {
	raw, status, err := provider.Call(ctx, c.http, http.MethodGet,
		c.config.BaseURL+"/transaction/verify/"+url.PathEscape(reference), c.header(), nil)
	if err != nil {
		c.logger.Error().Err(err).Str("reference", reference).Msg("verifying checkout")
		return provider.VerifyResult{Error: "provider unreachable: " + err.Error()}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return provider.VerifyResult{Error: fmt.Sprintf("unexpected provider response (%d)", status), Raw: raw}
	}
	if status != http.StatusOK || !env.Status {
		return provider.VerifyResult{Error: message(env, status), Raw: raw}
	}

	var data verifyData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Status == "" {
		return provider.VerifyResult{Error: "provider response missing status", Raw: raw}
	}

	return provider.VerifyResult{
		OK:         true,
		Status:     data.Status,
		AmountPaid: FromMinor(data.Amount),
		Raw:        raw,
	}
}

func message(env envelope, status int) string {
	if env.Message != "" {
		return env.Message
	}
	return fmt.Sprintf("provider returned %d", status)
}
