package bus

import "strings"

// Transport identifies which delivery channel produced an inbound message.
type Transport string

const (
	TransportPush   Transport = "push"
	TransportSocket Transport = "socket"
)

// InboundMessage is one message from either transport, normalized at the
// transport boundary and consumed once by the router.
type InboundMessage struct {
	ID                         string            `json:"id,omitempty"`
	Transport                  Transport         `json:"transport"`
	Kind                       string            `json:"kind,omitempty"`
	Fields                     map[string]string `json:"fields,omitempty"`
	HasPrerenderedNotification bool              `json:"has_prerendered_notification,omitempty"`
}

// Field returns the trimmed value of the first non-empty key.
func (m InboundMessage) Field(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(m.Fields[key]); value != "" {
			return value
		}
	}
	return ""
}
