// Package realtime содержит WebSocket-хаб рассылки событий по темам.
package realtime

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Темы подписки. Доставка событий — best-effort, не более одного раза:
// упавшее соединение отключается без повторной отправки.
const (
	TopicDriversAvailable = "drivers:available"
)

// OrderTopic возвращает имя темы конкретного заказа.
func OrderTopic(orderID int64) string { return fmt.Sprintf("order:%d", orderID) }

// RestaurantTopic возвращает имя темы ресторана.
func RestaurantTopic(restaurantID int64) string { return fmt.Sprintf("restaurant:%d", restaurantID) }

// DriverTopic возвращает имя личной темы курьера.
func DriverTopic(courierID int64) string { return fmt.Sprintf("driver:%d", courierID) }

// Event — событие, рассылаемое подписчикам темы.
type Event struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// Conn — минимальный интерфейс соединения, достаточный хабу.
// *websocket.Conn ему удовлетворяет.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Hub хранит подписки тем и рассылает события. Таблица подписок —
// единственное разделяемое состояние, защищена мьютексом.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[Conn]bool
	logger *zap.Logger
}

// NewHub создаёт пустой хаб.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[Conn]bool),
		logger: logger,
	}
}

// Join подписывает соединение на тему.
func (h *Hub) Join(topic string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[topic] == nil {
		h.topics[topic] = make(map[Conn]bool)
	}
	h.topics[topic][conn] = true
}

// Leave отписывает соединение от темы.
func (h *Hub) Leave(topic string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.topics[topic], conn)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
}

// Drop отписывает соединение от всех тем и закрывает его.
func (h *Hub) Drop(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic, conns := range h.topics {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.topics, topic)
		}
	}
	conn.Close()
}

// Emit рассылает событие всем подписчикам темы. Соединение, на котором
// запись не удалась, закрывается и выбывает из всех тем.
func (h *Hub) Emit(topic, eventType string, payload any) {
	event := Event{Type: eventType, Topic: topic, Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()

	var dead []Conn
	for conn := range h.topics[topic] {
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Warn("ws write failed, dropping connection",
				zap.String("topic", topic),
				zap.Error(err),
			)
			dead = append(dead, conn)
		}
	}

	for _, conn := range dead {
		for t, conns := range h.topics {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.topics, t)
			}
		}
		conn.Close()
	}
}

// Subscribers возвращает число подписчиков темы.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

var _ Conn = (*websocket.Conn)(nil)
