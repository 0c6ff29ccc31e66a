// Package httpapi is the thin HTTP surface over the order and payment
// services. Handlers only decode, call one service method and encode.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/idempotency"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/metrics"
)

type Orders interface {
	Checkout(ctx context.Context, cmd order.CheckoutCommand) (domain.Order, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	Summary(ctx context.Context, id string) (order.Summary, error)
	Cancel(ctx context.Context, id, reason string) (domain.Order, error)
	StartShipping(ctx context.Context, id, itemID string) (domain.Order, error)
	CompleteDelivery(ctx context.Context, id, itemID string) (domain.Order, error)
	ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
	ResolveManualCheck(ctx context.Context, id string, to domain.OrderStatus, reason string) (domain.Order, error)
}

type Payments interface {
	Get(ctx context.Context, orderID string) (payment.Payment, error)
	Confirm(ctx context.Context, cmd payment.ConfirmCommand) (payment.Payment, error)
	Cancel(ctx context.Context, cmd payment.CancelCommand) (payment.Payment, error)
}

type Server struct {
	Orders   Orders
	Payments Payments
	// Health reports dependency status; nil means always healthy.
	Health   func(ctx context.Context) error
	Metrics  *metrics.ServerMetrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Timeout  time.Duration
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handlerFunc returns the status and body to encode, or an error to map.
type handlerFunc func(r *http.Request) (int, any, error)

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /orders", "checkout", s.checkout)
	s.handle(mux, "GET /orders/{id}", "get_order", s.getOrder)
	s.handle(mux, "GET /orders/{id}/summary", "order_summary", s.orderSummary)
	s.handle(mux, "POST /orders/{id}/cancel", "cancel_order", s.cancelOrder)
	s.handle(mux, "POST /orders/{id}/items/{itemId}/ship", "ship_item", s.shipItem)
	s.handle(mux, "POST /orders/{id}/items/{itemId}/deliver", "deliver_item", s.deliverItem)
	s.handle(mux, "POST /payments/confirm", "confirm_payment", s.confirmPayment)
	s.handle(mux, "GET /payments/{orderId}", "get_payment", s.getPayment)
	s.handle(mux, "POST /payments/{orderId}/cancel", "cancel_payment", s.cancelPayment)
	s.handle(mux, "GET /admin/orders", "list_orders", s.listOrders)
	s.handle(mux, "POST /admin/orders/{id}/resolve", "resolve_order", s.resolveOrder)
	s.handle(mux, "GET /health", "health", s.health)
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.Gatherer))
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, name string, h handlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		if s.Timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), s.Timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		status, body, err := h(r)
		if err != nil {
			status, body = s.mapError(name, err)
		}
		writeJSON(w, status, body)
		s.Metrics.Observe(name, strconv.Itoa(status), started)
	})
}

func (s *Server) mapError(handler string, err error) (int, errorBody) {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		s.Logger.Error("request failed", zap.String("handler", handler), zap.Error(err))
		return http.StatusInternalServerError, errorBody{Code: string(apperr.KindInternal), Message: "internal error"}
	}
	return apperr.HTTPStatus(ae.Kind), errorBody{Code: ae.PublicCode(), Message: ae.Message}
}

// decode reads a JSON body. An empty body leaves dst untouched when optional.
func decode(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return apperr.Validation("invalid json")
	}
	return nil
}

type checkoutRequest struct {
	BuyerID   string           `json:"buyerId"`
	Recipient string           `json:"recipient"`
	Items     []order.CartLine `json:"items"`
}

func (s *Server) checkout(r *http.Request) (int, any, error) {
	var req checkoutRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	o, err := s.Orders.Checkout(r.Context(), order.CheckoutCommand{
		BuyerID:        req.BuyerID,
		Recipient:      req.Recipient,
		IdempotencyKey: idempotency.Key(r),
		Items:          req.Items,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, o, nil
}

func (s *Server) getOrder(r *http.Request) (int, any, error) {
	o, err := s.Orders.Get(r.Context(), r.PathValue("id"))
	return http.StatusOK, o, err
}

func (s *Server) orderSummary(r *http.Request) (int, any, error) {
	sum, err := s.Orders.Summary(r.Context(), r.PathValue("id"))
	return http.StatusOK, sum, err
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelOrder(r *http.Request) (int, any, error) {
	var req reasonRequest
	if err := decode(r, &req, true); err != nil {
		return 0, nil, err
	}
	o, err := s.Orders.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	return http.StatusOK, o, err
}

func (s *Server) shipItem(r *http.Request) (int, any, error) {
	o, err := s.Orders.StartShipping(r.Context(), r.PathValue("id"), r.PathValue("itemId"))
	return http.StatusOK, o, err
}

func (s *Server) deliverItem(r *http.Request) (int, any, error) {
	o, err := s.Orders.CompleteDelivery(r.Context(), r.PathValue("id"), r.PathValue("itemId"))
	return http.StatusOK, o, err
}

type confirmRequest struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

func (s *Server) confirmPayment(r *http.Request) (int, any, error) {
	var req confirmRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	p, err := s.Payments.Confirm(r.Context(), payment.ConfirmCommand{PaymentKey: req.PaymentKey, OrderID: req.OrderID, Amount: req.Amount})
	return http.StatusOK, p, err
}

func (s *Server) getPayment(r *http.Request) (int, any, error) {
	p, err := s.Payments.Get(r.Context(), r.PathValue("orderId"))
	return http.StatusOK, p, err
}

type cancelPaymentRequest struct {
	Reason       string `json:"cancelReason"`
	CancelAmount *int64 `json:"cancelAmount,omitempty"`
}

func (s *Server) cancelPayment(r *http.Request) (int, any, error) {
	var req cancelPaymentRequest
	if err := decode(r, &req, true); err != nil {
		return 0, nil, err
	}
	p, err := s.Payments.Cancel(r.Context(), payment.CancelCommand{
		OrderID: r.PathValue("orderId"),
		Reason:  req.Reason,
		Amount:  req.CancelAmount,
	})
	return http.StatusOK, p, err
}

func (s *Server) listOrders(r *http.Request) (int, any, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = string(domain.OrderStatusManualCheck)
	}
	status, ok := domain.ParseStatus(raw)
	if !ok {
		return 0, nil, apperr.Validation("unknown status " + raw)
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := s.Orders.ListByStatus(r.Context(), status, limit)
	if orders == nil {
		orders = []domain.Order{}
	}
	return http.StatusOK, map[string]any{"orders": orders}, err
}

type resolveRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) resolveOrder(r *http.Request) (int, any, error) {
	var req resolveRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	to, ok := domain.ParseStatus(req.Status)
	if !ok {
		return 0, nil, apperr.Validation("unknown status " + req.Status)
	}
	o, err := s.Orders.ResolveManualCheck(r.Context(), r.PathValue("id"), to, req.Reason)
	return http.StatusOK, o, err
}

func (s *Server) health(r *http.Request) (int, any, error) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			s.Logger.Warn("health check failed", zap.Error(err))
			return http.StatusServiceUnavailable, map[string]any{"status": "unavailable"}, nil
		}
	}
	return http.StatusOK, map[string]any{"status": "ok"}, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
