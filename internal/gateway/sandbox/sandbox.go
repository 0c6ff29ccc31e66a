// Package sandbox is a fake payment gateway speaking the same wire format as
// the real one. It keeps payments in memory, replays idempotent requests and
// can be told to fail.
package sandbox

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/gateway"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/idempotency"
)

// Failpoint modes.
const (
	ModeOff      = ""
	ModeReject   = "reject"
	ModeError    = "error"
	ModeTimeout  = "timeout"
	ModeNotDone  = "not_done"
	ModeOverpaid = "overpaid"
)

type Failpoints struct {
	Confirm string        `json:"confirm"`
	Cancel  string        `json:"cancel"`
	Delay   time.Duration `json:"delay"`
}

type record struct {
	OrderID  string
	Amount   int64
	Canceled int64
}

type reply struct {
	status int
	body   any
}

type Server struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	fp       Failpoints
	payments map[string]*record
	replies  map[string]reply
	calls    map[string]int
}

func New(logger *zap.Logger) *Server {
	return &Server{
		logger:   logger,
		now:      time.Now,
		payments: map[string]*record{},
		replies:  map[string]reply{},
		calls:    map[string]int{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/payments/confirm", s.idempotent("confirm", s.confirm))
	mux.HandleFunc("POST /v1/payments/{paymentKey}/cancel", s.idempotent("cancel", s.cancel))
	mux.HandleFunc("GET /_sandbox/failpoints", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Failpoints())
	})
	mux.HandleFunc("PUT /_sandbox/failpoints", func(w http.ResponseWriter, r *http.Request) {
		var fp Failpoints
		if err := json.NewDecoder(r.Body).Decode(&fp); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("INVALID_REQUEST", "invalid json"))
			return
		}
		s.SetFailpoints(fp)
		writeJSON(w, http.StatusOK, fp)
	})
	mux.HandleFunc("GET /_sandbox/calls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Calls())
	})
	return mux
}

func (s *Server) SetFailpoints(fp Failpoints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fp = fp
	s.logger.Info("failpoints set", zap.String("confirm", fp.Confirm), zap.String("cancel", fp.Cancel), zap.Duration("delay", fp.Delay))
}

func (s *Server) Failpoints() Failpoints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fp
}

// Calls counts requests that reached the handlers, replays excluded.
func (s *Server) Calls() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.calls))
	for k, v := range s.calls {
		out[k] = v
	}
	return out
}

type handler func(r *http.Request, fp Failpoints) reply

// idempotent replays the stored reply for a repeated Idempotency-Key. 5xx
// replies are not stored so a retry reaches the handler again.
func (s *Server) idempotent(op string, h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := idempotency.Key(r)
		if key == "" {
			writeJSON(w, http.StatusBadRequest, errBody("INVALID_REQUEST", "Idempotency-Key header is required"))
			return
		}
		s.mu.Lock()
		if rep, ok := s.replies[op+":"+key]; ok {
			s.mu.Unlock()
			writeJSON(w, rep.status, rep.body)
			return
		}
		s.calls[op]++
		fp := s.fp
		s.mu.Unlock()

		if fp.Delay > 0 {
			select {
			case <-time.After(fp.Delay):
			case <-r.Context().Done():
				return
			}
		}

		rep := h(r, fp)
		if rep.status < 500 {
			s.mu.Lock()
			s.replies[op+":"+key] = rep
			s.mu.Unlock()
		}
		writeJSON(w, rep.status, rep.body)
	}
}

func (s *Server) confirm(r *http.Request, fp Failpoints) reply {
	var req struct {
		PaymentKey string `json:"paymentKey"`
		OrderID    string `json:"orderId"`
		Amount     int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentKey == "" || req.OrderID == "" || req.Amount <= 0 {
		return reply{http.StatusBadRequest, errBody("INVALID_REQUEST", "paymentKey, orderId and a positive amount are required")}
	}
	if rep, failed := failure(fp.Confirm, "REJECT_CARD_PAYMENT"); failed {
		return rep
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[req.PaymentKey]; ok && p.OrderID != req.OrderID {
		return reply{http.StatusConflict, errBody("DUPLICATED_PAYMENT_KEY", "paymentKey belongs to another order")}
	}
	s.payments[req.PaymentKey] = &record{OrderID: req.OrderID, Amount: req.Amount}

	status, total := gateway.StatusDone, req.Amount
	switch fp.Confirm {
	case ModeNotDone:
		status = "WAITING_FOR_DEPOSIT"
	case ModeOverpaid:
		total++
	}
	s.logger.Info("payment confirmed", zap.String("payment_key", req.PaymentKey), zap.String("order_id", req.OrderID), zap.Int64("amount", req.Amount))
	return reply{http.StatusOK, gateway.ConfirmResponse{
		PaymentKey: req.PaymentKey, OrderID: req.OrderID, Status: status,
		ApprovedAt: s.now().UTC(), TotalAmount: total,
	}}
}

func (s *Server) cancel(r *http.Request, fp Failpoints) reply {
	var req struct {
		CancelReason string `json:"cancelReason"`
		CancelAmount int64  `json:"cancelAmount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return reply{http.StatusBadRequest, errBody("INVALID_REQUEST", "invalid json")}
	}
	if rep, failed := failure(fp.Cancel, "REJECT_CANCEL"); failed {
		return rep
	}

	key := r.PathValue("paymentKey")
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[key]
	if !ok {
		return reply{http.StatusNotFound, errBody("NOT_FOUND_PAYMENT", "unknown paymentKey")}
	}
	remaining := p.Amount - p.Canceled
	if remaining == 0 {
		return reply{http.StatusBadRequest, errBody(gateway.CodeAlreadyCanceled, "payment is already canceled")}
	}
	amount := req.CancelAmount
	if amount <= 0 {
		amount = remaining
	}
	if amount > remaining {
		return reply{http.StatusBadRequest, errBody("NOT_CANCELABLE_AMOUNT", "cancel amount exceeds the remaining amount")}
	}
	p.Canceled += amount

	status := gateway.StatusCanceled
	if p.Canceled < p.Amount {
		status = gateway.StatusPartialCanceled
	}
	s.logger.Info("payment canceled", zap.String("payment_key", key), zap.Int64("amount", amount), zap.String("reason", strings.TrimSpace(req.CancelReason)))
	return reply{http.StatusOK, gateway.CancelResponse{PaymentKey: key, Status: status, CanceledAt: s.now().UTC()}}
}

func failure(mode, rejectCode string) (reply, bool) {
	switch mode {
	case ModeReject:
		return reply{http.StatusBadRequest, errBody(rejectCode, "rejected by sandbox failpoint")}, true
	case ModeError:
		return reply{http.StatusInternalServerError, errBody("FAILED_INTERNAL_SYSTEM_PROCESSING", "sandbox failpoint")}, true
	case ModeTimeout:
		return reply{http.StatusGatewayTimeout, errBody("PROVIDER_TIMEOUT", "sandbox failpoint")}, true
	}
	return reply{}, false
}

func errBody(code, message string) map[string]string {
	return map[string]string{"code": code, "message": message}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
