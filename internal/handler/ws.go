package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/middleware"
	"github.com/mmeshcher/delivery-system/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand — входящее сообщение клиента WebSocket.
type wsCommand struct {
	Action    string  `json:"action"` // subscribe, unsubscribe, location
	Topic     string  `json:"topic,omitempty"`
	OrderID   int64   `json:"order_id,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// ServeWS поднимает WebSocket-соединение: клиент подписывается на темы
// командами subscribe/unsubscribe, курьеры дополнительно шлют геопозицию.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	go h.listenWS(conn, actor)
}

func (h *Handler) listenWS(conn *websocket.Conn, actor middleware.Actor) {
	defer h.hub.Drop(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if cmd.Topic == "" {
				continue
			}
			h.hub.Join(cmd.Topic, conn)
		case "unsubscribe":
			if cmd.Topic == "" {
				continue
			}
			h.hub.Leave(cmd.Topic, conn)
		case "location":
			if actor.Role != middleware.RoleCourier {
				continue
			}
			loc := model.CourierLocation{
				CourierID:  actor.ID,
				Latitude:   cmd.Latitude,
				Longitude:  cmd.Longitude,
				RecordedAt: time.Now(),
			}
			if cmd.OrderID != 0 {
				orderID := cmd.OrderID
				loc.OrderID = &orderID
			}
			if err := h.service.RecordCourierLocation(context.Background(), loc); err != nil {
				h.logger.Warn("courier location not saved",
					zap.Int64("courier_id", actor.ID),
					zap.Error(err),
				)
			}
		}
	}
}
