package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus connects channels to the companion. Channels push user input
// onto Inbound; the gateway publishes replies, which DispatchOutbound fans
// out to the subscriber registered under the message's channel name.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// Publish queues msg for dispatch. It gives up when ctx ends first.
func (b *MessageBus) Publish(ctx context.Context, msg OutboundMessage) bool {
	select {
	case b.Outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// DispatchOutbound delivers outbound messages until ctx is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				log.Printf("[bus] no subscriber for channel %q, dropping %s", msg.Channel, msg.Kind)
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
