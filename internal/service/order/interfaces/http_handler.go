// internal/service/order/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"bastion/internal/pkg/logger"
	"bastion/internal/service/order/application"
	"bastion/internal/service/order/domain"
)

const serviceName = "order-service"

// OrderHandler 封装订单服务的 HTTP 处理器。
type OrderHandler struct {
	service *application.OrderApplicationService
}

func NewOrderHandler(service *application.OrderApplicationService) *OrderHandler {
	return &OrderHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由。
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/submit_order", h.submitOrderHandler)
	mux.HandleFunc("/cancel_reservation", h.cancelReservationHandler)
	mux.HandleFunc("/circuit_state", h.circuitStateHandler)
	mux.HandleFunc("/throttle_state", h.throttleStateHandler)
}

func (h *OrderHandler) submitOrderHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	tracer := otel.Tracer(serviceName)
	ctx, span := tracer.Start(ctx, "api.SubmitOrder")
	defer span.End()

	var req application.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := h.service.SubmitOrder(ctx, &req)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("submit order failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, statusFor(outcome.Outcome), outcome)
}

func (h *OrderHandler) cancelReservationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reservationID := r.URL.Query().Get("reservation_id")
	if reservationID == "" {
		http.Error(w, "reservation_id is required", http.StatusBadRequest)
		return
	}
	if err := h.service.CancelReservation(r.Context(), reservationID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *OrderHandler) circuitStateHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("service")
	rec, err := h.service.GetCircuitState(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":       rec.ServiceName,
		"state":         rec.State,
		"failureCount":  rec.FailureCount,
		"nextAttemptAt": rec.NextAttemptAt,
	})
}

func (h *OrderHandler) throttleStateHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("endpoint")
	state, err := h.service.GetThrottleState(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requestCount": state.RequestCount,
		"windowStart":  state.WindowStart,
	})
}

// statusFor 把判定映射成 HTTP 状态码，让"稍后再试"和"换个选择"在状态码上也可区分。
func statusFor(outcome domain.Outcome) int {
	switch outcome {
	case domain.OutcomeAccepted:
		return http.StatusOK
	case domain.OutcomeQueued:
		return http.StatusAccepted
	case domain.OutcomeRejectedThrottled:
		return http.StatusTooManyRequests
	case domain.OutcomeRejectedStock:
		return http.StatusConflict
	case domain.OutcomeRejectedPayment:
		return http.StatusPaymentRequired
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
