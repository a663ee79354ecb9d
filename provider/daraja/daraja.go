// Package daraja is the push-payment adapter for the Safaricom Daraja STK push API
package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reconciler/provider"
)

// Result codes reported by query responses and callbacks
const (
	ResultSuccess   = 0
	ResultCancelled = 1032
	ResultTimeout   = 1037
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	tokenKey        = "daraja:access_token"
	timestampLayout = "20060102150405"
	// response code for an accepted request
	accepted = "0"
	// query error code while the customer has not answered the prompt yet
	stillProcessing = "500.001.1001"
)

// timestamps are signed in East Africa Time
var eat = time.FixedZone("EAT", 3*60*60)

var _ provider.PushPayment = (*Client)(nil)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
	// shared token store, defaults to an in-memory cache
	Cache provider.TokenCache
}

type Client struct {
	config Config
	http   *http.Client
	tokens *provider.TokenSource
	logger zerolog.Logger
	now    func() time.Time
}

func New(config Config, logger zerolog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = SandboxURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Cache == nil {
		config.Cache = provider.NewMemoryTokenCache(nil)
	}

	c := &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger.With().Str("provider", "daraja").Logger(),
		now:    time.Now,
	}
	c.tokens = provider.NewTokenSource(tokenKey, config.Cache, c.fetchToken)

	return c
}

func (c *Client) Name() string {
	return "daraja"
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(c.config.ConsumerKey+":"+c.config.ConsumerSecret)))

	raw, status, err := provider.Call(ctx, c.http, http.MethodGet,
		c.config.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", h, nil)
	if err != nil {
		return "", 0, err
	}
	if status != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d", status)
	}

	var res tokenResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(res.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	return res.AccessToken, ttl, nil
}

// password returns the request password and the timestamp it was derived from
func (c *Client) password() (string, string) {
	ts := c.now().In(eat).Format(timestampLayout)
	return base64.StdEncoding.EncodeToString([]byte(c.config.ShortCode + c.config.Passkey + ts)), ts
}

func (c *Client) authorized(ctx context.Context) (http.Header, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

type pushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type pushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Initiate sends the STK push prompt to the customer's handset
func (c *Client) Initiate(ctx context.Context, req provider.InitiateRequest) provider.InitiateResult {
	h, err := c.authorized(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("transaction_id", req.TransactionID).Msg("acquiring access token")
		return provider.InitiateResult{Error: "authentication with provider failed"}
	}

	password, ts := c.password()
	body := pushRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.IntPart(),
		PartyA:            req.Identifier,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       req.Identifier,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  "TXN" + req.TransactionID,
		TransactionDesc:   "Payment " + req.TransactionID,
	}
	// account references are capped at 12 characters
	if len(body.AccountReference) > 12 {
		body.AccountReference = body.AccountReference[:12]
	}

	raw, status, err := provider.Call(ctx, c.http, http.MethodPost,
		c.config.BaseURL+"/mpesa/stkpush/v1/processrequest", h, body)
	if err != nil {
		c.logger.Error().Err(err).Str("transaction_id", req.TransactionID).Msg("sending stk push")
		return provider.InitiateResult{Error: "provider unreachable: " + err.Error()}
	}
	if status == http.StatusUnauthorized {
		_ = c.tokens.Invalidate(ctx)
	}

	var res pushResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return provider.InitiateResult{Error: fmt.Sprintf("unexpected provider response (%d)", status), Raw: raw}
	}
	if status != http.StatusOK || res.ResponseCode != accepted || res.CheckoutRequestID == "" {
		detail := res.ErrorMessage
		if detail == "" {
			detail = res.ResponseDescription
		}
		if detail == "" {
			detail = fmt.Sprintf("provider returned %d", status)
		}
		return provider.InitiateResult{Error: detail, Raw: raw}
	}

	return provider.InitiateResult{
		Success:   true,
		Reference: res.CheckoutRequestID,
		Raw:       raw,
	}
}

type queryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponse struct {
	ResponseCode string     `json:"ResponseCode"`
	ResultCode   *ResultCode `json:"ResultCode"`
	ResultDesc   string     `json:"ResultDesc"`
	ErrorCode    string     `json:"errorCode"`
	ErrorMessage string     `json:"errorMessage"`
}

// Query asks for the final result of a prompt identified by its checkout request id
func (c *Client) Query(ctx context.Context, reference string) provider.QueryResult {
	h, err := c.authorized(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("reference", reference).Msg("acquiring access token")
		return provider.QueryResult{Error: "authentication with provider failed"}
	}

	password, ts := c.password()
	raw, status, err := provider.Call(ctx, c.http, http.MethodPost,
		c.config.BaseURL+"/mpesa/stkpushquery/v1/query", h, queryRequest{
			BusinessShortCode: c.config.ShortCode,
			Password:          password,
			Timestamp:         ts,
			CheckoutRequestID: reference,
		})
	if err != nil {
		c.logger.Error().Err(err).Str("reference", reference).Msg("querying stk push")
		return provider.QueryResult{Error: "provider unreachable: " + err.Error()}
	}
	if status == http.StatusUnauthorized {
		_ = c.tokens.Invalidate(ctx)
	}

	var res queryResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return provider.QueryResult{Error: fmt.Sprintf("unexpected provider response (%d)", status), Raw: raw}
	}
	if res.ErrorCode == stillProcessing {
		return provider.QueryResult{OK: true, Pending: true, ResultDesc: res.ErrorMessage, Raw: raw}
	}
	if status != http.StatusOK || res.ResultCode == nil {
		detail := res.ErrorMessage
		if detail == "" {
			detail = fmt.Sprintf("provider returned %d", status)
		}
		return provider.QueryResult{Error: detail, Raw: raw}
	}

	return provider.QueryResult{
		OK:         true,
		ResultCode: int(*res.ResultCode),
		ResultDesc: res.ResultDesc,
		Raw:        raw,
	}
}
