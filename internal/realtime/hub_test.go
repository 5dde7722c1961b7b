package realtime

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, v.(Event))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestHubEmit(t *testing.T) {
	h := NewHub(zap.NewNop())

	a := &fakeConn{}
	b := &fakeConn{}
	other := &fakeConn{}
	h.Join(OrderTopic(1), a)
	h.Join(OrderTopic(1), b)
	h.Join(OrderTopic(2), other)

	h.Emit(OrderTopic(1), "status.updated", map[string]string{"status": "PAID"})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("subscribers got %d/%d events, want 1/1", a.count(), b.count())
	}
	if other.count() != 0 {
		t.Fatalf("other topic received %d events, want 0", other.count())
	}

	if a.events[0].Type != "status.updated" || a.events[0].Topic != OrderTopic(1) {
		t.Fatalf("unexpected event: %+v", a.events[0])
	}
}

func TestHubEmit_DropsFailedConn(t *testing.T) {
	h := NewHub(zap.NewNop())

	broken := &fakeConn{fail: true}
	h.Join(OrderTopic(7), broken)
	h.Join(TopicDriversAvailable, broken)

	h.Emit(OrderTopic(7), "status.updated", nil)

	if !broken.closed {
		t.Fatalf("failed connection must be closed")
	}
	if h.Subscribers(OrderTopic(7)) != 0 || h.Subscribers(TopicDriversAvailable) != 0 {
		t.Fatalf("failed connection must leave all topics")
	}
}

func TestHubLeave(t *testing.T) {
	h := NewHub(zap.NewNop())

	c := &fakeConn{}
	h.Join(RestaurantTopic(3), c)
	h.Leave(RestaurantTopic(3), c)

	h.Emit(RestaurantTopic(3), "status.updated", nil)

	if c.count() != 0 {
		t.Fatalf("left connection received %d events, want 0", c.count())
	}
}

func TestHubConcurrentJoinEmit(t *testing.T) {
	h := NewHub(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			h.Join(TopicDriversAvailable, c)
			h.Leave(TopicDriversAvailable, c)
		}()
		go func() {
			defer wg.Done()
			h.Emit(TopicDriversAvailable, "delivery.available", nil)
		}()
	}
	wg.Wait()
}
