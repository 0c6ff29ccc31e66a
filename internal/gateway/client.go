// Package gateway is the HTTP client for the external payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/idempotency"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/metrics"
)

const (
	StatusDone            = "DONE"
	StatusCanceled        = "CANCELED"
	StatusPartialCanceled = "PARTIAL_CANCELED"
)

const (
	opConfirm = "confirm"
	opCancel  = "cancel"
)

type Config struct {
	BaseURL        string
	SecretKey      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Breaker opens once FailureRatio of at least MinRequests calls in the
	// current window failed, and half-opens after OpenTimeout.
	FailureRatio float64
	MinRequests  uint32
	OpenTimeout  time.Duration
}

type ConfirmRequest struct {
	PaymentKey     string
	OrderID        string
	Amount         int64
	IdempotencyKey string
}

type ConfirmResponse struct {
	PaymentKey  string    `json:"paymentKey"`
	OrderID     string    `json:"orderId"`
	Status      string    `json:"status"`
	ApprovedAt  time.Time `json:"approvedAt"`
	TotalAmount int64     `json:"totalAmount"`
}

type CancelRequest struct {
	PaymentKey     string
	CancelAmount   int64
	CancelReason   string
	IdempotencyKey string
}

type CancelResponse struct {
	PaymentKey string    `json:"paymentKey"`
	Status     string    `json:"status"`
	CanceledAt time.Time `json:"canceledAt"`
}

type Client struct {
	cfg       Config
	http      *http.Client
	confirmCB *gobreaker.CircuitBreaker
	cancelCB  *gobreaker.CircuitBreaker
	logger    *zap.Logger
	metrics   *metrics.Saga
}

func New(cfg Config, logger *zap.Logger, m *metrics.Saga) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport, Timeout: cfg.ConnectTimeout + cfg.ReadTimeout},
		logger:  logger,
		metrics: m,
	}
	c.confirmCB = c.newBreaker(opConfirm)
	c.cancelCB = c.newBreaker(opCancel)
	return c
}

func (c *Client) newBreaker(op string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pg-" + op,
		MaxRequests: 1,
		Timeout:     c.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < c.cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= c.cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ge *Error
			if errors.As(err, &ge) {
				return !ge.tripsBreaker()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.BreakerState(op, float64(to))
			c.logger.Warn("pg circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// Confirm approves a payment. The idempotency key defaults to one derived
// from the payment key and order id, so retries of one logical confirm are
// deduplicated by the PG.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResponse, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.Derive(opConfirm, req.PaymentKey, req.OrderID)
	}
	body := map[string]any{"paymentKey": req.PaymentKey, "orderId": req.OrderID, "amount": req.Amount}

	var out ConfirmResponse
	err := c.call(ctx, c.confirmCB, opConfirm, "/v1/payments/confirm", key, body, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, req CancelRequest) (CancelResponse, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.Derive(opCancel, req.PaymentKey, fmt.Sprint(req.CancelAmount))
	}
	body := map[string]any{"cancelReason": req.CancelReason, "cancelAmount": req.CancelAmount}

	var out CancelResponse
	path := "/v1/payments/" + url.PathEscape(req.PaymentKey) + "/cancel"
	err := c.call(ctx, c.cancelCB, opCancel, path, key, body, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, cb *gobreaker.CircuitBreaker, op, path, idemKey string, body, out any) error {
	ctx, span := otel.Tracer("gateway").Start(ctx, "pg."+op)
	defer span.End()
	span.SetAttributes(attribute.String("pg.operation", op), attribute.String("pg.idempotency_key", idemKey))

	_, err := cb.Execute(func() (any, error) {
		return nil, c.do(ctx, path, idemKey, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &Error{Kind: KindUnknown, Code: CodeCircuitOpen, Message: "circuit open for " + op, Err: err}
	}

	outcome := "ok"
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			outcome = strings.ToLower(string(ge.Kind))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.metrics.GatewayCall(op, outcome)
	return err
}

func (c *Client) do(ctx context.Context, path, idemKey string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.cfg.SecretKey+":")))
	req.Header.Set(idempotency.Header, idemKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindUnknown, Code: CodeNetwork, Message: "pg request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindUnknown, Code: CodeNetwork, Message: "read pg response", HTTPStatus: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Kind: KindUnknown, Code: CodeInvalidResponse, Message: "decode pg response", HTTPStatus: resp.StatusCode, Err: err}
		}
		return nil
	}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &payload)
	if payload.Code == "" {
		payload.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	return &Error{Kind: kindForStatus(resp.StatusCode), Code: payload.Code, Message: payload.Message, HTTPStatus: resp.StatusCode}
}
