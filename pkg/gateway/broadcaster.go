package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/procd/pkg/engine"
	"github.com/rs/zerolog"
)

// EventBroadcaster pushes server-initiated event frames to websocket
// clients. Frames are numbered from one gateway-wide sequence, so clients
// can spot gaps.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
	now     func() time.Time
}

// NewEventBroadcaster creates a broadcaster over clients.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger, now: time.Now}
}

// Broadcast sends event with data to every authenticated client.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) int {
	return b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends msg to every authenticated client and returns how
// many received it. The frame is encoded once; a client whose write fails
// is skipped, and its read loop cleans it up.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) int {
	msg = b.stamp(msg)
	log := b.logger.With().Str("event", msg.Event).Int64("seq", msg.Seq).Logger()

	frame, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return 0
	}

	delivered := 0
	targets := b.clients.Authenticated()
	for _, client := range targets {
		if err := client.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to broadcast to client")
			continue
		}
		delivered++
	}

	log.Debug().Int("clients", len(targets)).Int("delivered", delivered).Msg("Event broadcast")
	return delivered
}

// SendToClient sends msg to one client only.
func (b *EventBroadcaster) SendToClient(client *Client, msg EventMessage) error {
	msg = b.stamp(msg)
	err := client.WriteJSON(msg)
	if err != nil {
		b.logger.Warn().Err(err).Str("clientId", client.ID).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to send event to client")
	}
	return err
}

// Notify broadcasts an engine lifecycle notification.
func (b *EventBroadcaster) Notify(n engine.Notification) int {
	return b.BroadcastTyped(EventMessage{
		Event:     n.Type,
		Stream:    StreamTypeLifecycle,
		AgentType: n.AgentType,
		ProcessID: n.ProcessID,
		Data:      n,
	})
}

// stamp fills the frame type and, unless already set, the sequence number
// and timestamp.
func (b *EventBroadcaster) stamp(msg EventMessage) EventMessage {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = b.now().UnixMilli()
	}
	return msg
}
