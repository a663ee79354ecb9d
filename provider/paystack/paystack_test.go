package paystack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"reconciler/provider"
)

func dec(t *testing.T, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func setup(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:     srv.URL,
		SecretKey:   "sk_test",
		CallbackURL: "https://example.com/done",
		Timeout:     time.Second,
	}, zerolog.Nop())
	c.newRef = func() string { return "ref-1" }
	return c
}

func TestInitiate(t *testing.T) {
	c := setup(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transaction/initialize", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "jane@example.com", body["email"])
		require.EqualValues(t, 15050, body["amount"])
		require.Equal(t, "ref-1", body["reference"])

		_, _ = w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{
			"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"ref-1"}}`))
	})

	res := c.Initiate(context.Background(), provider.InitiateRequest{
		TransactionID: "t-1",
		Amount:        dec(t, "150.50"),
		Identifier:    "jane@example.com",
	})

	require.True(t, res.Success, res.Error)
	require.Equal(t, "ref-1", res.Reference)
	require.Equal(t, "https://checkout.paystack.com/abc", res.CheckoutURL)
}

func TestInitiateRejected(t *testing.T) {
	c := setup(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid key"}`))
	})

	res := c.Initiate(context.Background(), provider.InitiateRequest{TransactionID: "t-1", Amount: decimal.NewFromInt(1)})

	require.False(t, res.Success)
	require.Equal(t, "Invalid key", res.Error)
	require.NotEmpty(t, res.Raw)
}

func TestInitiateUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, zerolog.Nop())

	res := c.Initiate(context.Background(), provider.InitiateRequest{TransactionID: "t-1", Amount: decimal.NewFromInt(1)})

	require.False(t, res.Success)
	require.Contains(t, res.Error, "unreachable")
}

func TestVerify(t *testing.T) {
	c := setup(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transaction/verify/ref-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":true,"message":"Verification successful","data":{
			"amount":40333,"currency":"NGN","status":"success","reference":"ref-1"}}`))
	})

	res := c.Verify(context.Background(), "ref-1")

	require.True(t, res.OK, res.Error)
	require.Equal(t, StatusSuccess, res.Status)
	require.True(t, res.AmountPaid.Equal(dec(t, "403.33")))
}

func TestVerifyUnknownReference(t *testing.T) {
	c := setup(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":false,"message":"Transaction reference not found"}`))
	})

	res := c.Verify(context.Background(), "nope")

	require.False(t, res.OK)
	require.Equal(t, "Transaction reference not found", res.Error)
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent([]byte(`{"event":"charge.success","data":{"reference":"ref-1","amount":10000,"status":"success"}}`))
	require.NoError(t, err)
	require.True(t, e.Actionable())
	require.True(t, e.Paid())
	require.True(t, e.Amount().Equal(decimal.NewFromInt(100)))

	e, err = ParseEvent([]byte(`{"event":"charge.success","data":{"reference":"ref-1","amount":10000,"status":"failed"}}`))
	require.NoError(t, err)
	require.True(t, e.Actionable())
	require.False(t, e.Paid())

	e, err = ParseEvent([]byte(`{"event":"transfer.success","data":{"reference":"ref-1"}}`))
	require.NoError(t, err)
	require.False(t, e.Actionable())

	_, err = ParseEvent([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrMalformedEvent)
	_, err = ParseEvent([]byte(`nope`))
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestMinorUnits(t *testing.T) {
	require.EqualValues(t, 15050, ToMinor(dec(t, "150.50")))
	require.EqualValues(t, 100, ToMinor(decimal.NewFromInt(1)))
	require.True(t, FromMinor(1).Equal(dec(t, "0.01")))
}
