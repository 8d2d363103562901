package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rl1809/order-pipeline/internal/core/domain"
	"github.com/rl1809/order-pipeline/internal/core/service"
)

type HTTPHandler struct {
	orderService        *service.OrderService
	compensationService *service.CompensationService
}

func NewHTTPHandler(orderService *service.OrderService, compensationService *service.CompensationService) *HTTPHandler {
	return &HTTPHandler{
		orderService:        orderService,
		compensationService: compensationService,
	}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/orders", h.PlaceOrder)
	mux.HandleFunc("/api/payments/callback", h.PaymentCallback)
	mux.HandleFunc("/health", h.HealthCheck)
}

type lineItemRequest struct {
	ProductID string `json:"productId"`
	Qty       int    `json:"qty"`
}

type placeOrderRequest struct {
	RequestID  string            `json:"requestId,omitempty"`
	CustomerID string            `json:"customerId"`
	Items      []lineItemRequest `json:"items"`
}

type placeOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type errorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "invalid request body",
		})
		return
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.LineItem{ProductID: item.ProductID, Quantity: item.Qty})
	}

	result, err := h.orderService.PlaceOrder(r.Context(), req.RequestID, req.CustomerID, items)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, placeOrderResponse{
		OrderID: result.OrderID,
		Status:  string(result.Status),
	})
}

type paymentCallbackRequest struct {
	OrderID string `json:"orderId"`
	Outcome string `json:"outcome"`
}

// PaymentCallback receives the asynchronous payment provider outcome. The
// declined path only schedules compensation, so the response is 202.
func (h *HTTPHandler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req paymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "invalid request body",
		})
		return
	}
	if req.OrderID == "" || (req.Outcome != "approved" && req.Outcome != "declined") {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "orderId and outcome (approved|declined) are required",
		})
		return
	}

	err := h.compensationService.HandlePaymentOutcome(r.Context(), req.OrderID, req.Outcome == "approved")
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, err error) {
	var perr *domain.PersistenceError

	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: err.Error(),
		})
	case errors.Is(err, domain.ErrInsufficientStock):
		writeJSON(w, http.StatusGone, errorResponse{
			Code:    "INSUFFICIENT_STOCK",
			Message: "one or more items are out of stock",
		})
	case errors.Is(err, domain.ErrDuplicateRequest):
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:    "DUPLICATE_REQUEST",
			Message: "request was already processed",
		})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:    "CONFLICT",
			Message: "concurrent modification, retry later",
		})
	case errors.Is(err, domain.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Code:    "ORDER_NOT_FOUND",
			Message: "order not found",
		})
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:    "INVALID_STATE",
			Message: "order state does not allow this operation",
		})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code:          "INTERNAL",
			CorrelationID: perr.CorrelationID,
		})
	default:
		// Never leak internal error text.
		correlationID := uuid.NewString()
		log.Error().Err(err).Str("correlation_id", correlationID).Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code:          "INTERNAL",
			CorrelationID: correlationID,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
