package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"reconciler/internal/auth"
	"reconciler/internal/journal"
	"reconciler/internal/web"
	"reconciler/provider"
	"reconciler/reconcile"
	"reconciler/testutil"
	"reconciler/transaction"
	"reconciler/webhook"
)

const (
	jwtSecret     = "jwt-secret"
	webhookSecret = "sk_test_secret"
	callbackToken = "cb-token"
)

type stubPush struct {
	mu       sync.Mutex
	initiate provider.InitiateResult
	query    provider.QueryResult
	n        int
}

func (f *stubPush) Name() string { return "daraja" }

func (f *stubPush) Initiate(context.Context, provider.InitiateRequest) provider.InitiateResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.initiate
	if res.Success {
		f.n++
		res.Reference = fmt.Sprintf("ws_CO_%d", f.n)
	}
	return res
}

func (f *stubPush) Query(context.Context, string) provider.QueryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query
}

type stubCheckout struct {
	mu     sync.Mutex
	verify provider.VerifyResult
	n      int
}

func (f *stubCheckout) Name() string { return "paystack" }

func (f *stubCheckout) Initiate(context.Context, provider.InitiateRequest) provider.InitiateResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	ref := fmt.Sprintf("ref-%d", f.n)
	return provider.InitiateResult{Success: true, Reference: ref, CheckoutURL: "https://checkout.example.com/" + ref}
}

func (f *stubCheckout) Verify(context.Context, string) provider.VerifyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verify
}

// panickingEngine blows up on every webhook
type panickingEngine struct {
	web.Reconciler
}

func (panickingEngine) HandlePushCallback(context.Context, []byte, string) (*transaction.Transaction, error) {
	panic("callback handler exploded")
}

func (panickingEngine) HandleCheckoutEvent(context.Context, []byte, string) (*transaction.Transaction, error) {
	panic("event handler exploded")
}

type ServerTestSuite struct {
	suite.Suite
	*require.Assertions

	repo     *transaction.MemoryTransactionRepo
	push     *stubPush
	checkout *stubCheckout
	tokens   *auth.Tokens
	engine   *reconcile.Engine
	server   *httptest.Server
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.Assertions = require.New(s.T())
	s.repo = transaction.NewMemoryRepo()
	s.push = &stubPush{initiate: provider.InitiateResult{Success: true}}
	s.checkout = &stubCheckout{}
	s.tokens = auth.NewTokens(jwtSecret)

	engine, err := reconcile.New(reconcile.Config{
		Repo:             s.repo,
		PushPayment:      s.push,
		RedirectCheckout: s.checkout,
		Authorizer:       auth.New(testutil.ACLModelFile, testutil.ACLPolicyFile),
		Journal:          journal.NewMemory(),
		Logger:           zerolog.Nop(),
		WebhookSecret:    webhookSecret,
		CallbackToken:    callbackToken,
	})
	s.NoError(err)
	s.engine = engine

	s.server = httptest.NewServer(web.NewHandler(web.Config{
		Engine: engine,
		Tokens: s.tokens,
		Logger: zerolog.Nop(),
	}))
}

func (s *ServerTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *ServerTestSuite) token(subject, role string) string {
	raw, err := s.tokens.Issue(subject, role, time.Hour)
	s.NoError(err)
	return raw
}

func (s *ServerTestSuite) do(method, path, token string, body []byte, header ...string) (*http.Response, map[string]interface{}) {
	req, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(body))
	s.NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	s.NoError(err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		s.NoError(json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (s *ServerTestSuite) initiate(token, method, amount, identifier string) (*http.Response, map[string]interface{}) {
	body := fmt.Sprintf(`{"payment_method":%q,"amount":%q,"customer_identifier":%q}`, method, amount, identifier)
	return s.do(http.MethodPost, "/api/transactions/initiate/", token, []byte(body))
}

func (s *ServerTestSuite) TestInitiatePush() {
	resp, out := s.initiate(s.token("user-1", ""), "STK_PUSH", "100", "0712345678")
	s.Equal(http.StatusCreated, resp.StatusCode)
	s.Equal("PROCESSING", out["status"])
	s.Equal("254712345678", out["customer_identifier"])
	s.Equal("ws_CO_1", out["checkout_request_id"])
	s.Equal("user-1", out["initiated_by"])
	s.Equal("100.00", out["amount"])
	s.NotEmpty(resp.Header.Get(web.RequestIDHeader))
}

func (s *ServerTestSuite) TestInitiateCheckout() {
	resp, out := s.initiate(s.token("user-1", ""), "PAYSTACK", "250.50", "Jane@Example.com")
	s.Equal(http.StatusCreated, resp.StatusCode)
	s.Equal("https://checkout.example.com/ref-1", out["checkout_url"])
	s.Equal("ref-1", out["checkout_reference"])
	s.Nil(out["checkout_request_id"])
}

func (s *ServerTestSuite) TestInitiateErrors() {
	tok := s.token("user-1", "")

	resp, _ := s.initiate("", "STK_PUSH", "100", "0712345678")
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.initiate("not-a-jwt", "STK_PUSH", "100", "0712345678")
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp, out := s.initiate(tok, "BITCOIN", "100", "0712345678")
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Contains(out["error"], "method")

	resp, _ = s.initiate(tok, "STK_PUSH", "-5", "0712345678")
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/api/transactions/initiate/", tok, []byte(`{`))
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	s.push.initiate = provider.InitiateResult{Error: "Invalid Access Token"}
	resp, out = s.initiate(tok, "STK_PUSH", "100", "0712345678")
	s.Equal(http.StatusBadGateway, resp.StatusCode)
	s.Equal("Invalid Access Token", out["details"])
}

func (s *ServerTestSuite) TestDetailVisibility() {
	_, out := s.initiate(s.token("user-1", ""), "STK_PUSH", "100", "0712345678")
	path := fmt.Sprintf("/api/transactions/%s/", out["id"])

	resp, got := s.do(http.MethodGet, path, s.token("user-1", ""), nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(out["id"], got["id"])

	resp, _ = s.do(http.MethodGet, path, s.token("user-2", ""), nil)
	s.Equal(http.StatusForbidden, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, path, s.token("op-1", "operator"), nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/api/transactions/"+testutil.NewUUID()+"/", s.token("user-1", ""), nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerTestSuite) TestList() {
	s.initiate(s.token("user-1", ""), "STK_PUSH", "100", "0712345678")
	s.initiate(s.token("user-1", ""), "PAYSTACK", "20", "a@example.com")
	s.initiate(s.token("user-2", ""), "STK_PUSH", "300", "0712345678")

	resp, out := s.do(http.MethodGet, "/api/transactions/", s.token("user-1", ""), nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(2, out["count"])

	resp, out = s.do(http.MethodGet, "/api/transactions/?method=stk_push", s.token("op-1", "operator"), nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(2, out["count"])

	resp, out = s.do(http.MethodGet, "/api/transactions/?amount_min=50&amount_max=150", s.token("op-1", "operator"), nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(1, out["count"])

	resp, out = s.do(http.MethodGet, "/api/transactions/?limit=1", s.token("op-1", "operator"), nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(1, out["count"])
	s.EqualValues(1, out["limit"])

	for _, q := range []string{"amount_min=abc", "from=yesterday", "limit=-1", "status=LOST"} {
		resp, _ = s.do(http.MethodGet, "/api/transactions/?"+q, s.token("op-1", "operator"), nil)
		s.Equal(http.StatusBadRequest, resp.StatusCode, q)
	}
}

func (s *ServerTestSuite) TestQuery() {
	_, out := s.initiate(s.token("user-1", ""), "STK_PUSH", "100", "0712345678")
	path := fmt.Sprintf("/api/transactions/%s/query/", out["id"])

	s.push.query = provider.QueryResult{OK: true, ResultCode: 1032, ResultDesc: "Request cancelled by user"}
	resp, got := s.do(http.MethodPost, path, s.token("user-1", ""), nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("CANCELLED", got["status"])

	_, out = s.initiate(s.token("user-1", ""), "STK_PUSH", "100", "0712345678")
	s.push.query = provider.QueryResult{Error: "timeout"}
	resp, _ = s.do(http.MethodPost, fmt.Sprintf("/api/transactions/%s/query/", out["id"]), s.token("user-1", ""), nil)
	s.Equal(http.StatusBadGateway, resp.StatusCode)
}

func (s *ServerTestSuite) TestVerify() {
	_, out := s.initiate(s.token("user-1", ""), "PAYSTACK", "20", "a@example.com")

	s.checkout.verify = provider.VerifyResult{OK: true, Status: "success", AmountPaid: decimal.New(20, 0)}
	resp, got := s.do(http.MethodGet, "/api/transactions/paystack/verify/ref-1/", s.token("user-1", ""), nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("COMPLETED", got["status"])
	s.Equal(out["id"], got["id"])

	resp, _ = s.do(http.MethodGet, "/api/transactions/paystack/verify/ref-404/", s.token("user-1", ""), nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerTestSuite) TestDarajaWebhook() {
	_, out := s.initiate(s.token("user-1", ""), "STK_PUSH", "100", "0712345678")
	body := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"Amount","Value":100}]}}}}`)

	// bad token is acknowledged but changes nothing
	resp, _ := s.do(http.MethodPost, "/api/transactions/webhook/daraja/?token=wrong", "", body)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(transaction.StatusProcessing, s.status(out["id"]))

	resp, _ = s.do(http.MethodPost, "/api/transactions/webhook/daraja/?token="+callbackToken, "", body)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	s.Equal(transaction.StatusCompleted, s.status(out["id"]))

	resp, _ = s.do(http.MethodPost, "/api/transactions/webhook/daraja/?token="+callbackToken, "", []byte("garbage"))
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/api/transactions/webhook/daraja/", "", nil)
	s.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func (s *ServerTestSuite) TestPaystackWebhook() {
	_, out := s.initiate(s.token("user-1", ""), "PAYSTACK", "20", "a@example.com")
	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1","amount":2000,"status":"success"}}`)

	resp, _ := s.do(http.MethodPost, "/api/transactions/webhook/paystack/", "", body, webhook.SignatureHeader, "bad")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(transaction.StatusProcessing, s.status(out["id"]))

	resp, _ = s.do(http.MethodPost, "/api/transactions/webhook/paystack/", "", body,
		webhook.SignatureHeader, testutil.Sign(body, webhookSecret))
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(transaction.StatusCompleted, s.status(out["id"]))
}

func (s *ServerTestSuite) TestAudit() {
	_, out := s.initiate(s.token("user-1", ""), "STK_PUSH", "100", "0712345678")
	path := fmt.Sprintf("/api/transactions/%s/audit/", out["id"])

	resp, _ := s.do(http.MethodGet, path, s.token("user-1", ""), nil)
	s.Equal(http.StatusForbidden, resp.StatusCode)

	resp, got := s.do(http.MethodGet, path, s.token("root", "admin"), nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	records := got["records"].([]interface{})
	s.NotEmpty(records)
	s.Equal(journal.SourceCreate, records[0].(map[string]interface{})["source"])
}

func (s *ServerTestSuite) TestHealth() {
	resp, out := s.do(http.MethodGet, "/healthz", "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", out["status"])
}

func (s *ServerTestSuite) TestRequestIDPropagated() {
	resp, _ := s.do(http.MethodGet, "/healthz", "", nil, web.RequestIDHeader, "abc-123")
	s.Equal("abc-123", resp.Header.Get(web.RequestIDHeader))
}

func (s *ServerTestSuite) status(id interface{}) transaction.Status {
	t, ok, err := s.repo.FindById(context.Background(), id.(string))
	s.NoError(err)
	s.True(ok)
	return t.Status
}

func (s *ServerTestSuite) TestWebhookPanicAcknowledged() {
	srv := httptest.NewServer(web.NewHandler(web.Config{
		Engine: panickingEngine{},
		Tokens: s.tokens,
		Logger: zerolog.Nop(),
	}))
	defer srv.Close()

	for _, path := range []string{"/api/transactions/webhook/daraja/", "/api/transactions/webhook/paystack/"} {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(`{}`))
		s.NoError(err)
		body, err := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		s.NoError(err)

		s.Equal(http.StatusOK, resp.StatusCode, path)
		s.Equal("text/plain; charset=utf-8", resp.Header.Get("Content-Type"), path)
		s.Equal("OK", string(body), path)
	}
}

func (s *ServerTestSuite) TestRequestLogCarriesRequestID() {
	var buf bytes.Buffer
	srv := httptest.NewServer(web.NewHandler(web.Config{
		Engine: s.engine,
		Tokens: s.tokens,
		Logger: zerolog.New(&buf),
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	s.NoError(err)
	req.Header.Set(web.RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	s.NoError(err)
	resp.Body.Close()

	var line struct {
		RequestID string `json:"request_id"`
		Path      string `json:"path"`
		Status    int    `json:"status"`
	}
	s.NoError(json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	s.Equal("req-42", line.RequestID)
	s.Equal("/healthz", line.Path)
	s.Equal(http.StatusOK, line.Status)
}
