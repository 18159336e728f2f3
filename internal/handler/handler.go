// Package handler contains the HTTP handlers of the storefront API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/printaria/printaria-system/internal/gateway"
	"github.com/printaria/printaria-system/internal/middleware"
	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
	"github.com/printaria/printaria-system/internal/service"
)

// Service is the business-logic contract used by the HTTP handlers.
type Service interface {
	GetCart(ctx context.Context, userID int64) (*model.Cart, []repository.CartLine, error)
	AddItem(ctx context.Context, userID, productID int64, quantity int32) error
	SetQuantity(ctx context.Context, userID, itemID int64, quantity int32) error
	RemoveItem(ctx context.Context, userID, itemID int64) error

	CreateOrder(ctx context.Context, userID int64, address model.Address, couponCode, shippingMethod string, meta model.RequestMeta) (*model.Order, error)
	GetOrder(ctx context.Context, caller model.Identity, orderID int64) (*model.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]model.Order, error)

	ConfirmPayment(ctx context.Context, orderID int64, transactionID string, amountCents int64, meta model.RequestMeta) (*repository.PaymentOutcome, error)
	UpdateOrderByAdmin(ctx context.Context, caller model.Identity, orderID int64, upd service.AdminOrderUpdate, meta model.RequestMeta) (*model.Order, error)
	RequestRefund(ctx context.Context, userID, orderID int64, refundType model.RefundType, items []service.RefundItemRequest, meta model.RequestMeta) (*model.Order, error)
}

// WebhookVerifier validates and decodes gateway webhook payloads.
type WebhookVerifier interface {
	VerifySignature(body []byte, signature string) error
	DecodeOrderReference(reference string) (int64, error)
}

// Handler implements the HTTP handlers of the storefront API.
type Handler struct {
	service        Service
	verifier       WebhookVerifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates the HTTP handler set.
func NewHandler(s Service, verifier WebhookVerifier, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		verifier:       verifier,
		logger:         logger,
		authMiddleware: auth,
	}
}

func requestMeta(r *http.Request) model.RequestMeta {
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return model.RequestMeta{IP: ip, UserAgent: r.UserAgent()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// centsToReais converts internal centavo amounts to the decimal reais the
// API exposes.
func centsToReais(cents int64) float64 {
	return float64(cents) / 100
}

func urlID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

type cartItemResponse struct {
	ID          int64   `json:"id"`
	ProductID   int64   `json:"productId"`
	ProductName string  `json:"productName"`
	UnitPrice   float64 `json:"unitPrice"`
	Quantity    int32   `json:"quantity"`
}

type cartResponse struct {
	Items    []cartItemResponse `json:"items"`
	SubTotal float64            `json:"subTotal"`
}

// GetCart returns the current user's cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	_, lines, err := h.service.GetCart(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", identity.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := cartResponse{Items: make([]cartItemResponse, 0, len(lines))}
	for _, l := range lines {
		resp.Items = append(resp.Items, cartItemResponse{
			ID:          l.ItemID,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			UnitPrice:   centsToReais(l.UnitPrice),
			Quantity:    l.Quantity,
		})
		resp.SubTotal += centsToReais(l.UnitPrice * int64(l.Quantity))
	}

	writeJSON(w, http.StatusOK, resp)
}

type addItemRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}

// AddCartItem puts a product into the current user's cart.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AddItem(r.Context(), identity.UserID, req.ProductID, req.Quantity); err != nil {
		h.respondCartError(w, err, identity.UserID)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type setQuantityRequest struct {
	Quantity int32 `json:"quantity"`
}

// UpdateCartItem replaces the quantity of one cart item.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	itemID, ok := urlID(r, "itemID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req setQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetQuantity(r.Context(), identity.UserID, itemID, req.Quantity); err != nil {
		h.respondCartError(w, err, identity.UserID)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RemoveCartItem deletes one item from the current user's cart.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	itemID, ok := urlID(r, "itemID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RemoveItem(r.Context(), identity.UserID, itemID); err != nil {
		h.respondCartError(w, err, identity.UserID)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) respondCartError(w http.ResponseWriter, err error, userID int64) {
	switch {
	case errors.Is(err, service.ErrQuantityOutOfRange),
		errors.Is(err, repository.ErrQuantityExceedsLimit):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrProductUnavailable),
		errors.Is(err, repository.ErrCartItemNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrSerializationConflict):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("cart operation error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type checkoutRequest struct {
	Address        model.Address `json:"address"`
	CouponCode     string        `json:"couponCode"`
	ShippingMethod string        `json:"shippingMethod"`
}

type orderItemResponse struct {
	ProductID      int64   `json:"productId"`
	ProductName    string  `json:"productName"`
	UnitPrice      float64 `json:"unitPrice"`
	Quantity       int32   `json:"quantity"`
	RefundQuantity int32   `json:"refundQuantity,omitempty"`
}

type historyResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Actor     string `json:"actor"`
	CreatedAt string `json:"createdAt"`
}

type orderResponse struct {
	ID             int64               `json:"id"`
	Number         string              `json:"number"`
	Status         string              `json:"status"`
	StatusLabel    string              `json:"statusLabel"`
	SubTotal       float64             `json:"subTotal"`
	Discount       float64             `json:"discount"`
	ShippingCost   float64             `json:"shippingCost"`
	Total          float64             `json:"total"`
	ShippingMethod string              `json:"shippingMethod"`
	TrackingCode   string              `json:"trackingCode,omitempty"`
	DeliveryDate   string              `json:"deliveryDate,omitempty"`
	RefundType     string              `json:"refundType,omitempty"`
	RefundAmount   float64             `json:"refundAmount,omitempty"`
	CreatedAt      string              `json:"createdAt"`
	Items          []orderItemResponse `json:"items,omitempty"`
	History        []historyResponse   `json:"history,omitempty"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		Number:         o.Number,
		Status:         string(o.Status),
		StatusLabel:    o.Status.Label(),
		SubTotal:       centsToReais(o.SubTotal),
		Discount:       centsToReais(o.Discount),
		ShippingCost:   centsToReais(o.ShippingCost),
		Total:          centsToReais(o.TotalAmount),
		ShippingMethod: o.ShippingMethod,
		TrackingCode:   o.TrackingCode,
		RefundType:     string(o.RefundType),
		RefundAmount:   centsToReais(o.RefundAmount),
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
	if o.DeliveryDate != nil {
		resp.DeliveryDate = o.DeliveryDate.Format(time.RFC3339)
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID:      it.ProductID,
			ProductName:    it.ProductName,
			UnitPrice:      centsToReais(it.UnitPrice),
			Quantity:       it.Quantity,
			RefundQuantity: it.RefundQuantity,
		})
	}
	for _, hst := range o.History {
		resp.History = append(resp.History, historyResponse{
			Status:    hst.Status.Label(),
			Message:   hst.Message,
			Actor:     hst.Actor,
			CreatedAt: hst.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

// Checkout turns the current user's cart into an order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), identity.UserID, req.Address, req.CouponCode, req.ShippingMethod, requestMeta(r))
	if err != nil {
		h.respondCheckoutError(w, err, identity.UserID)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) respondCheckoutError(w http.ResponseWriter, err error, userID int64) {
	switch {
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrIncompleteAddress),
		errors.Is(err, service.ErrQuantityOutOfRange):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, service.ErrShippingMethodNotFound),
		errors.Is(err, service.ErrCouponInvalid),
		errors.Is(err, service.ErrOrderTotalOutOfBounds),
		errors.Is(err, repository.ErrProductUnavailable):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrCouponAlreadyUsed),
		errors.Is(err, repository.ErrSerializationConflict):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		var shortage *repository.StockShortageError
		if errors.As(err, &shortage) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GetOrders lists the current user's orders.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListOrders(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("list orders error", zap.Error(err), zap.Int64("userID", identity.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder returns one order with items and audit history.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := urlID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrder(r.Context(), identity, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type refundItemPayload struct {
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}

type refundRequestPayload struct {
	Type  string              `json:"type"`
	Items []refundItemPayload `json:"items"`
}

// RequestRefund opens a refund request on the current user's order.
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := urlID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req refundRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items := make([]service.RefundItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.RefundItemRequest{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	order, err := h.service.RequestRefund(r.Context(), identity.UserID, orderID, model.RefundType(req.Type), items, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrRefundAlreadyRequested),
			errors.Is(err, repository.ErrSerializationConflict):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrRefundNotAllowed),
			errors.Is(err, service.ErrReturnWindowExpired),
			errors.Is(err, service.ErrRefundItemInvalid):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("refund request error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type adminUpdateRequest struct {
	Status               string  `json:"status"`
	TrackingCode         string  `json:"trackingCode"`
	ReverseLogisticsCode string  `json:"reverseLogisticsCode"`
	ReturnInstructions   string  `json:"returnInstructions"`
	RefundRejectReason   string  `json:"refundRejectReason"`
	RefundRejectProof    string  `json:"refundRejectProof"`
	RefundAmount         float64 `json:"refundAmount"`
}

// UpdateOrder applies an admin status transition with its side effects.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := urlID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req adminUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.UpdateOrderByAdmin(r.Context(), identity, orderID, service.AdminOrderUpdate{
		Status:               req.Status,
		TrackingCode:         req.TrackingCode,
		ReverseLogisticsCode: req.ReverseLogisticsCode,
		ReturnInstructions:   req.ReturnInstructions,
		RefundRejectReason:   req.RefundRejectReason,
		RefundRejectProof:    req.RefundRejectProof,
		// Decimal reais rarely land on an exact float64 product; round, never
		// truncate, or amounts like 1.15 lose a centavo.
		RefundAmountCents: int64(math.Round(req.RefundAmount * 100)),
	}, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotAdmin):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrUnknownStatus),
			errors.Is(err, service.ErrRejectReasonRequired),
			errors.Is(err, service.ErrRefundExceedsTotal),
			errors.Is(err, service.ErrRefundExceedsCeiling):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrSerializationConflict):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("admin order update error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// PaymentWebhook receives gateway events. Responses are deliberately
// uniform: security failures never explain themselves to the caller.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := h.verifier.VerifySignature(body, r.Header.Get(gateway.SignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected", zap.String("ip", requestMeta(r).IP))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var event gateway.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// Unknown event types are acknowledged so the gateway stops retrying.
	if event.Type != gateway.EventPaymentConfirmed {
		w.WriteHeader(http.StatusOK)
		return
	}

	orderID, err := h.verifier.DecodeOrderReference(event.Reference)
	if err != nil {
		h.logger.Warn("webhook reference rejected", zap.String("ip", requestMeta(r).IP))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	_, err = h.service.ConfirmPayment(r.Context(), orderID, event.TransactionID, event.AmountCents, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentAmountMismatch):
			// Alert already raised; the response stays generic.
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOrderNotPayable),
			errors.Is(err, repository.ErrDuplicateTransaction):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("payment webhook error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
