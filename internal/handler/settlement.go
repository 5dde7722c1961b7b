package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mmeshcher/delivery-system/internal/repository"
)

func earningsFilterFromQuery(r *http.Request) repository.EarningsFilter {
	q := r.URL.Query()

	f := repository.EarningsFilter{Status: q.Get("status")}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = v
	}
	if t, err := time.Parse("2006-01-02", q.Get("from")); err == nil {
		f.From = t
	}
	if t, err := time.Parse("2006-01-02", q.Get("to")); err == nil {
		f.To = t
	}
	return f
}

// RestaurantEarnings возвращает начисления ресторана.
func (h *Handler) RestaurantEarnings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	earnings, err := h.service.ListEarnings(r.Context(), id, earningsFilterFromQuery(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if len(earnings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, earnings)
}

// RestaurantEarningsSummary возвращает агрегаты начислений ресторана.
func (h *Handler) RestaurantEarningsSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.service.GetEarningsSummary(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// RestaurantBalance возвращает доступный к выводу остаток ресторана.
func (h *Handler) RestaurantBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.GetAvailableBalance(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"available_cents": balance})
}

type payoutRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// RequestPayout создаёт выплату из доступных начислений ресторана.
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	payout, err := h.service.RequestPayout(r.Context(), id, req.AmountCents)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, payout)
}

// ListPayouts возвращает выплаты ресторана.
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	payouts, err := h.service.ListPayouts(r.Context(), id, limit, offset)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if len(payouts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, payouts)
}

// CancelPayout отменяет ожидающую выплату ресторана.
func (h *Handler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	payoutID, err := pathID(r, "payoutID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.CancelPayout(r.Context(), restaurantID, payoutID); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CourierEarnings возвращает начисления курьера.
func (h *Handler) CourierEarnings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	earnings, err := h.service.ListDriverEarnings(r.Context(), id, earningsFilterFromQuery(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if len(earnings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, earnings)
}

// CourierEarningsSummary возвращает агрегаты начислений курьера.
func (h *Handler) CourierEarningsSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.service.GetDriverEarningsSummary(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// CourierEarningsDaily возвращает дневные срезы заработка курьера.
func (h *Handler) CourierEarningsDaily(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	var from, to time.Time
	if t, err := time.Parse("2006-01-02", q.Get("from")); err == nil {
		from = t
	}
	if t, err := time.Parse("2006-01-02", q.Get("to")); err == nil {
		to = t
	}

	daily, err := h.service.GetDriverEarningsDaily(r.Context(), id, from, to)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, daily)
}

type driverExtraRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

// AddCourierBonus начисляет курьеру бонус (административная операция).
func (h *Handler) AddCourierBonus(w http.ResponseWriter, r *http.Request) {
	h.addCourierExtra(w, r, h.service.AddDriverBonus)
}

// AddCourierTip начисляет курьеру чаевые (административная операция).
func (h *Handler) AddCourierTip(w http.ResponseWriter, r *http.Request) {
	h.addCourierExtra(w, r, h.service.AddDriverTip)
}

func (h *Handler) addCourierExtra(w http.ResponseWriter, r *http.Request, add func(ctx context.Context, courierID, amountCents int64, description string) error) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req driverExtraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := add(r.Context(), id, req.AmountCents, req.Description); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}
