package bus

import "time"

// Inbound kinds. A message carries user text; an update request asks the
// companion to consolidate its conversation now.
const (
	KindMessage      = "message"
	KindUpdateMemory = "update_memory"
)

// Outbound kinds, mirrored one to one by the web UI frames.
const (
	OutChunk   = "chunk"
	OutMessage = "message"
	OutTip     = "tip"
	OutHide    = "hide"
	OutError   = "error"
)

type InboundMessage struct {
	Channel   string
	Kind      string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// IsUpdateRequest reports whether the message asks for a memory update
// rather than a reply.
func (m *InboundMessage) IsUpdateRequest() bool {
	return m.Kind == KindUpdateMemory
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Kind    string
	Content string
	// HideAfter applies to OutHide frames.
	HideAfter time.Duration
}

// Final reports whether the message is a complete reply or error that
// channels without streaming support should deliver.
func (m *OutboundMessage) Final() bool {
	return m.Kind == "" || m.Kind == OutMessage || m.Kind == OutError
}
