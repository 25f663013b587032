package events

import "time"

type EventType string

const (
	EventCooldown      EventType = "cooldown"
	EventAccountSwitch EventType = "account_switch"
	EventRefresh       EventType = "refresh"
	EventRefreshFailed EventType = "refresh_failed"
	EventQuotaWarning  EventType = "quota_warning"
	EventQuotaExhaust  EventType = "quota_exhausted"
	EventToast         EventType = "toast"
	EventRequest       EventType = "request"
)

type Event struct {
	Type        EventType `json:"type"`
	IdentityKey string    `json:"identityKey,omitempty"`
	SessionKey  string    `json:"sessionKey,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"ts"`
}

// Bus broadcasts account-lifecycle events. Publishing never blocks.
type Bus struct {
	ring *ring[Event]
}

func NewBus(size int) *Bus {
	if size <= 0 {
		size = 200
	}
	return &Bus{ring: newRing[Event](size)}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.ring.publish(e)
}

// Subscribe registers a listener and returns the retained history.
func (b *Bus) Subscribe() (int, <-chan Event, []Event) {
	return b.ring.subscribe()
}

func (b *Bus) Unsubscribe(id int) {
	b.ring.unsubscribe(id)
}

// Recent returns the retained history without subscribing.
func (b *Bus) Recent() []Event {
	return b.ring.recent()
}
