package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/stellarlinkco/companion/internal/bus"
)

// busPresenter forwards status bubbles to whichever chat the companion is
// currently answering. Between turns it falls back to the default target.
type busPresenter struct {
	bus *bus.MessageBus
	ctx context.Context

	mu       sync.Mutex
	target   bus.OutboundMessage
	fallback bus.OutboundMessage
}

func newBusPresenter(ctx context.Context, b *bus.MessageBus, fallback bus.OutboundMessage) *busPresenter {
	return &busPresenter{bus: b, ctx: ctx, target: fallback, fallback: fallback}
}

func (p *busPresenter) use(channel, chatID string) func() {
	p.mu.Lock()
	p.target = bus.OutboundMessage{Channel: channel, ChatID: chatID}
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.target = p.fallback
		p.mu.Unlock()
	}
}

func (p *busPresenter) publish(msg bus.OutboundMessage) {
	p.mu.Lock()
	t := p.target
	p.mu.Unlock()
	if t.Channel == "" {
		return
	}
	msg.Channel, msg.ChatID = t.Channel, t.ChatID
	p.bus.Publish(p.ctx, msg)
}

func (p *busPresenter) ShowTip(text string) {
	p.publish(bus.OutboundMessage{Kind: bus.OutTip, Content: text})
}

func (p *busPresenter) Hide(after time.Duration) {
	p.publish(bus.OutboundMessage{Kind: bus.OutHide, HideAfter: after})
}
