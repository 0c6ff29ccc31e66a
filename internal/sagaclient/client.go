// Package sagaclient is the HTTP client the operator tools use to drive
// saga-service.
package sagaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/idempotency"
)

// APIError is a non-2xx answer carrying the service's {code, message} body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.Status, e.Code, e.Message)
}

// StatusOf returns the HTTP status of an APIError, 0 for transport errors.
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: timeout}}
}

type CheckoutRequest struct {
	BuyerID   string           `json:"buyerId"`
	Recipient string           `json:"recipient"`
	Items     []order.CartLine `json:"items"`
}

// Checkout sends a new order. An empty idemKey gets a random one.
func (c *Client) Checkout(ctx context.Context, req CheckoutRequest, idemKey string) (domain.Order, error) {
	if idemKey == "" {
		idemKey = uuid.NewString()
	}
	var o domain.Order
	err := c.do(ctx, http.MethodPost, "/orders", req, &o, idempotency.Header, idemKey)
	return o, err
}

func (c *Client) Order(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil, &o)
	return o, err
}

func (c *Client) CancelOrder(ctx context.Context, id, reason string) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason}, &o)
	return o, err
}

func (c *Client) Payment(ctx context.Context, orderID string) (payment.Payment, error) {
	var p payment.Payment
	err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(orderID), nil, &p)
	return p, err
}

func (c *Client) Confirm(ctx context.Context, paymentKey, orderID string, amount int64) (payment.Payment, error) {
	var p payment.Payment
	body := map[string]any{"paymentKey": paymentKey, "orderId": orderID, "amount": amount}
	err := c.do(ctx, http.MethodPost, "/payments/confirm", body, &p)
	return p, err
}

// CancelPayment refunds amount, or the remaining amount when nil.
func (c *Client) CancelPayment(ctx context.Context, orderID, reason string, amount *int64) (payment.Payment, error) {
	var p payment.Payment
	body := map[string]any{"cancelReason": reason}
	if amount != nil {
		body["cancelAmount"] = *amount
	}
	err := c.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(orderID)+"/cancel", body, &p)
	return p, err
}

// WaitPayment polls until the saga has created the payment for orderID.
func (c *Client) WaitPayment(ctx context.Context, orderID string, interval time.Duration) (payment.Payment, error) {
	for {
		p, err := c.Payment(ctx, orderID)
		if err == nil || StatusOf(err) != http.StatusNotFound {
			return p, err
		}
		if err := sleep(ctx, interval); err != nil {
			return payment.Payment{}, err
		}
	}
}

// WaitOrder polls until the order reaches one of statuses.
func (c *Client) WaitOrder(ctx context.Context, id string, interval time.Duration, statuses ...domain.OrderStatus) (domain.Order, error) {
	for {
		o, err := c.Order(ctx, id)
		if err != nil {
			return o, err
		}
		for _, s := range statuses {
			if o.Status == s {
				return o, nil
			}
		}
		if err := sleep(ctx, interval); err != nil {
			return o, fmt.Errorf("order %s still %s: %w", id, o.Status, err)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, header ...string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ae := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			ae.Code, ae.Message = payload.Code, payload.Message
		} else {
			ae.Message = strings.TrimSpace(string(raw))
		}
		return ae
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
