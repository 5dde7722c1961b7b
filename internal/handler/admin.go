package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// RestaurantOrders возвращает заказы ресторана, новые первыми.
func (h *Handler) RestaurantOrders(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	orders, err := h.service.ListRestaurantOrders(r.Context(), id, limit, offset)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, orders)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// RefundOrder возвращает оплату заказа через провайдера (административная операция).
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RefundOrder(r.Context(), id, req.Reason); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CompletePayout помечает выплату исполненной (административная операция).
func (h *Handler) CompletePayout(w http.ResponseWriter, r *http.Request) {
	h.setPayoutOutcome(w, r, h.service.CompletePayout)
}

// FailPayout помечает выплату неуспешной (административная операция).
func (h *Handler) FailPayout(w http.ResponseWriter, r *http.Request) {
	h.setPayoutOutcome(w, r, h.service.FailPayout)
}

func (h *Handler) setPayoutOutcome(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, payoutID int64) error) {
	id, err := pathID(r, "payoutID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := set(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// BackfillEarnings добирает начисления по доставленным заказам без записи в
// леджере (административная операция).
func (h *Handler) BackfillEarnings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	booked, err := h.service.BackfillEarnings(r.Context(), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"booked": booked})
}

type updateSettingRequest struct {
	Value string `json:"value"`
}

// UpdateSetting записывает платформенную настройку (административная операция).
func (h *Handler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req updateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateSetting(r.Context(), key, req.Value); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
