// Package web exposes the reconciliation engine over HTTP
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"reconciler/internal/auth"
	"reconciler/internal/journal"
	"reconciler/internal/logger"
	"reconciler/provider/daraja"
	"reconciler/provider/paystack"
	"reconciler/reconcile"
	"reconciler/transaction"
	"reconciler/transaction/options"
	"reconciler/webhook"
)

// provider callbacks larger than this are truncated
const maxWebhookBytes = 1 << 20

// Reconciler is what the API needs from the engine
type Reconciler interface {
	Create(ctx context.Context, p reconcile.Principal, req reconcile.CreateRequest) (*reconcile.Receipt, error)
	Get(ctx context.Context, p reconcile.Principal, id string) (*transaction.Transaction, error)
	List(ctx context.Context, p reconcile.Principal, opt *options.TransactionOptions) ([]*transaction.Transaction, error)
	Query(ctx context.Context, p reconcile.Principal, id string) (*transaction.Transaction, error)
	Verify(ctx context.Context, p reconcile.Principal, reference string) (*transaction.Transaction, error)
	AuditTrail(ctx context.Context, p reconcile.Principal, id string) ([]*journal.Record, error)
	HandlePushCallback(ctx context.Context, body []byte, token string) (*transaction.Transaction, error)
	HandleCheckoutEvent(ctx context.Context, body []byte, signature string) (*transaction.Transaction, error)
	Ping(ctx context.Context) error
}

var _ Reconciler = (*reconcile.Engine)(nil)

type Config struct {
	Engine Reconciler
	Tokens *auth.Tokens
	Logger zerolog.Logger
}

type Server struct {
	engine Reconciler
	log    zerolog.Logger
}

// NewHandler builds the API router
func NewHandler(config Config) http.Handler {
	s := &Server{engine: config.Engine, log: config.Logger}

	r := mux.NewRouter()
	r.Use(RequestID(config.Logger), Logger(config.Logger), Recovery(config.Logger))

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/transactions").Subrouter()

	// providers authenticate with signatures and tokens, not bearer tokens
	api.HandleFunc("/webhook/daraja/", s.darajaWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhook/paystack/", s.paystackWebhook).Methods(http.MethodPost)

	client := api.NewRoute().Subrouter()
	client.Use(Authenticate(config.Tokens))
	client.HandleFunc("/", s.list).Methods(http.MethodGet)
	client.HandleFunc("/initiate/", s.initiate).Methods(http.MethodPost)
	client.HandleFunc("/paystack/verify/{reference}/", s.verify).Methods(http.MethodGet, http.MethodPost)
	client.HandleFunc("/{id}/", s.detail).Methods(http.MethodGet)
	client.HandleFunc("/{id}/query/", s.query).Methods(http.MethodGet, http.MethodPost)
	client.HandleFunc("/{id}/audit/", s.audit).Methods(http.MethodGet)

	return r
}

type transactionView struct {
	ID                 string    `json:"id"`
	Amount             string    `json:"amount"`
	PaymentMethod      string    `json:"payment_method"`
	Status             string    `json:"status"`
	InitiatedBy        string    `json:"initiated_by"`
	CustomerIdentifier string    `json:"customer_identifier"`
	CheckoutRequestID  *string   `json:"checkout_request_id"`
	CheckoutReference  *string   `json:"checkout_reference"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func view(t *transaction.Transaction) transactionView {
	return transactionView{
		ID:                 t.ID,
		Amount:             t.Amount.StringFixed(2),
		PaymentMethod:      string(t.Method),
		Status:             string(t.Status),
		InitiatedBy:        t.InitiatorID,
		CustomerIdentifier: t.CustomerIdentifier,
		CheckoutRequestID:  t.CheckoutRequestID,
		CheckoutReference:  t.CheckoutReference,
		FailureReason:      t.FailureReason,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

type initiateRequest struct {
	PaymentMethod      string          `json:"payment_method"`
	Amount             decimal.Decimal `json:"amount"`
	CustomerIdentifier string          `json:"customer_identifier"`
}

type initiateResponse struct {
	transactionView
	CheckoutURL string `json:"checkout_url,omitempty"`
	Message     string `json:"message"`
}

func (s *Server) initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PaymentMethod == "" || req.CustomerIdentifier == "" {
		WriteError(w, http.StatusBadRequest, "payment_method, amount, and customer_identifier are required")
		return
	}

	receipt, err := s.engine.Create(r.Context(), principal(r.Context()), reconcile.CreateRequest{
		Method:             transaction.Method(req.PaymentMethod),
		Amount:             req.Amount,
		CustomerIdentifier: req.CustomerIdentifier,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	WriteJSON(w, http.StatusCreated, initiateResponse{
		transactionView: view(receipt.Transaction),
		CheckoutURL:     receipt.CheckoutURL,
		Message:         "payment initiated",
	})
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Get(r.Context(), principal(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view(t))
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	opt, err := listOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	result, err := s.engine.List(r.Context(), principal(r.Context()), opt)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	views := make([]transactionView, 0, len(result))
	for _, t := range result {
		views = append(views, view(t))
	}
	limit, offset := opt.Page()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": views,
		"count":        len(views),
		"limit":        limit,
		"offset":       offset,
	})
}

// listOptions reads filters from the query string
func listOptions(r *http.Request) (*options.TransactionOptions, error) {
	q := r.URL.Query()
	opt := options.NewTransactionOptions()

	var statuses []string
	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, strings.ToUpper(s))
			}
		}
	}
	if len(statuses) > 0 {
		opt.SetStatuses(statuses...)
	}
	if v := q.Get("method"); v != "" {
		opt.SetMethod(strings.ToUpper(v))
	}
	if v := q.Get("initiator"); v != "" {
		opt.SetInitiator(v)
	}

	amounts := options.NewDecimalRange()
	for key, bound := range map[string]**decimal.Decimal{"amount_min": &amounts.Low, "amount_max": &amounts.High} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, &reconcile.ValidationError{Field: key, Reason: "not a decimal"}
		}
		*bound = &d
	}
	if amounts.Low != nil || amounts.High != nil {
		opt.SetAmountRange(amounts)
	}

	times := &options.TimeRange{}
	for key, bound := range map[string]**time.Time{"from": &times.Low, "to": &times.High} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, &reconcile.ValidationError{Field: key, Reason: "expected an RFC 3339 timestamp"}
		}
		*bound = &ts
	}
	if times.Low != nil || times.High != nil {
		opt.SetTimeRange(times)
	}

	limit, offset := 0, 0
	for key, dst := range map[string]*int{"limit": &limit, "offset": &offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &reconcile.ValidationError{Field: key, Reason: "expected a non-negative integer"}
		}
		*dst = n
	}
	opt.SetPage(limit, offset)

	return opt, nil
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Query(r.Context(), principal(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view(t))
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Verify(r.Context(), principal(r.Context()), mux.Vars(r)["reference"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view(t))
}

type recordView struct {
	Offset     uint64          `json:"offset"`
	Source     string          `json:"source"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	Anomaly    string          `json:"anomaly,omitempty"`
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	records, err := s.engine.AuditTrail(r.Context(), principal(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		v := recordView{
			Offset:     rec.Offset,
			Source:     rec.Source,
			Status:     rec.Status,
			RecordedAt: time.Unix(0, rec.RecordedAt).UTC(),
			Anomaly:    rec.Anomaly,
		}
		if len(rec.Payload) > 0 && json.Valid(rec.Payload) {
			v.Payload = rec.Payload
		}
		views = append(views, v)
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": id,
		"records":        views,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		log := logger.FromContextOr(r.Context(), s.log)
		log.Error().Err(err).Msg("health check failed")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) darajaWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOr(r.Context(), s.log).With().Str("webhook", "daraja").Logger()
	defer acknowledgeOnPanic(w, log)

	body, err := readBody(r)
	if err != nil {
		log.Warn().Err(err).Msg("reading callback body")
		acknowledge(w)
		return
	}

	t, err := s.engine.HandlePushCallback(r.Context(), body, r.URL.Query().Get("token"))
	s.absorb(log, t, err)
	acknowledge(w)
}

func (s *Server) paystackWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOr(r.Context(), s.log).With().Str("webhook", "paystack").Logger()
	defer acknowledgeOnPanic(w, log)

	body, err := readBody(r)
	if err != nil {
		log.Warn().Err(err).Msg("reading event body")
		acknowledge(w)
		return
	}

	t, err := s.engine.HandleCheckoutEvent(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
	s.absorb(log, t, err)
	acknowledge(w)
}

// absorb logs the outcome of a webhook; nothing about it reaches the provider
func (s *Server) absorb(log zerolog.Logger, t *transaction.Transaction, err error) {
	switch {
	case err == nil && t == nil:
		log.Debug().Msg("webhook acknowledged without changes")
	case err == nil:
		log.Info().
			Str("transaction_id", t.ID).
			Str("status", string(t.Status)).
			Msg("webhook applied")
	case errors.Is(err, reconcile.ErrWebhookRejected):
		log.Warn().Msg("webhook failed authentication")
	case errors.Is(err, transaction.ErrNotFound):
		log.Warn().Err(err).Msg("webhook for unknown transaction")
	case errors.Is(err, daraja.ErrMalformedCallback), errors.Is(err, paystack.ErrMalformedEvent):
		log.Warn().Err(err).Msg("malformed webhook")
	default:
		log.Error().Err(err).Msg("processing webhook")
	}
}

func readBody(r *http.Request) ([]byte, error) {
	return ioutil.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
}

// fail maps an engine error to a response. Unexpected errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *reconcile.ValidationError
	var perr *reconcile.ProviderError

	switch {
	case errors.As(err, &verr):
		WriteError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, reconcile.ErrUnauthenticated):
		WriteError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, reconcile.ErrPermissionDenied):
		WriteError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, transaction.ErrNotFound):
		WriteError(w, http.StatusNotFound, "transaction not found")
	case errors.As(err, &perr):
		WriteJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "payment provider request failed",
			"details": perr.Detail,
		})
	default:
		log := logger.FromContextOr(r.Context(), s.log)
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
