package connector

import "fbbusgw/bus"

// Event is one item the Consumer hands to the host.
type Event struct {
	Topic   bus.Topic
	Payload any
}

// Consumer drains the host-facing mailbox once per tick. It is the
// teacher's pub/sub bus repurposed as a bounded queue for exactly one
// kind of traffic: registry observer notifications the host wants to
// see (actual-value changes, device state changes), published onto a
// bus.Connection by connector's own Observer and read back out here
// non-blockingly. It is not a general event-dispatch framework — the
// registry's Observer list already owns in-core event dispatch.
type Consumer struct {
	sub     *bus.Subscription
	onEvent func(Event)
}

// NewConsumer subscribes conn to topic and returns a Consumer that hands
// every message arriving on it to onEvent during Loop.
func NewConsumer(conn *bus.Connection, topic bus.Topic, onEvent func(Event)) *Consumer {
	return &Consumer{sub: conn.Subscribe(topic), onEvent: onEvent}
}

// Loop drains every message queued since the last call, without
// blocking if none are waiting.
func (c *Consumer) Loop() {
	ch := c.sub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			if c.onEvent != nil {
				c.onEvent(Event{Topic: m.Topic, Payload: m.Payload})
			}
		default:
			return
		}
	}
}

// Pending reports whether any message is still queued.
func (c *Consumer) Pending() bool { return len(c.sub.Channel()) > 0 }
