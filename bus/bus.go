// Package bus provides a small fixed-topic publish/subscribe mailbox.
// The gateway uses exactly one instance of it: the Consumer's host-facing
// mailbox, onto which registry observers publish actual-value-changed and
// device-state-changed notifications for the host to drain once per tick.
// It is not used for in-core event dispatch — the registry's observer
// list (see package registry) owns that. Unlike a general message broker,
// nothing here ever needs wildcard topic matching, retained messages, or
// a request/reply RPC surface, so none of that is carried.
package bus

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

var defaultQLen = 3

// Token identifies one segment of a Topic; any comparable value works.
type Token any

// Topic addresses a mailbox. Two topics match iff every token is equal.
type Topic []Token

func T(tokens ...Token) Topic { return Topic(tokens) }

func (t Topic) key() string {
	var b strings.Builder
	for i, tok := range t {
		if tok != nil && !reflect.TypeOf(tok).Comparable() {
			panic(fmt.Sprintf("bus: topic token of type %T is not comparable", tok))
		}
		if i > 0 {
			b.WriteByte('/')
		}
		fmt.Fprint(&b, tok)
	}
	return b.String()
}

// Message is one published event.
type Message struct {
	Topic   Topic
	Payload any
}

// Subscription is a mailbox a Connection is listening on.
type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// Bus routes published messages to every subscription on the same topic.
type Bus struct {
	mu   sync.Mutex
	qLen int
	subs map[string][]*Subscription
}

func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = defaultQLen
	}
	return &Bus{qLen: queueLen, subs: make(map[string][]*Subscription)}
}

func (b *Bus) NewMessage(topic Topic, payload any) *Message {
	return &Message{Topic: topic, Payload: payload}
}

func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[msg.Topic.key()]...)
	b.mu.Unlock()

	for _, sub := range subs {
		tryDeliver(sub.ch, msg)
	}
}

// tryDeliver never blocks: a subscriber too slow to drain its mailbox
// loses its oldest queued message rather than stalling the publisher,
// since publishing happens synchronously inside a registry mutation.
func tryDeliver(ch chan *Message, msg *Message) {
	select {
	case ch <- msg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
}

func (b *Bus) subscribe(sub *Subscription) {
	b.mu.Lock()
	k := sub.topic.key()
	b.subs[k] = append(b.subs[k], sub)
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := sub.topic.key()
	list := b.subs[k]
	for i, s := range list {
		if s == sub {
			b.subs[k] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[k]) == 0 {
		delete(b.subs, k)
	}
}

// Connection is one subscriber/publisher identity on the bus.
type Connection struct {
	bus  *Bus
	id   string
	mu   sync.Mutex
	subs []*Subscription
}

func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) NewMessage(topic Topic, payload any) *Message {
	return c.bus.NewMessage(topic, payload)
}

func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan *Message, c.bus.qLen), conn: c}
	c.bus.subscribe(sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

func (c *Connection) Unsubscribe(sub *Subscription) {
	c.bus.unsubscribe(sub)
	c.mu.Lock()
	c.subs = removeSub(c.subs, sub)
	c.mu.Unlock()
	close(sub.ch)
}

func removeSub(list []*Subscription, target *Subscription) []*Subscription {
	for i, s := range list {
		if s == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
