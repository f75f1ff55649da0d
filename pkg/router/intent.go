package router

import (
	"fmt"
	"strconv"
	"strings"

	"beacon/pkg/bus"
	"beacon/pkg/call"
	"beacon/pkg/socket"
	"beacon/pkg/speech"
)

// IntentKind enumerates what a message asks the pipeline to do.
type IntentKind string

const (
	IntentNone         IntentKind = "none"
	IntentIncomingCall IntentKind = "incoming_call"
	IntentChat         IntentKind = "chat"
	IntentSpeak        IntentKind = "speak"
	IntentGeneric      IntentKind = "generic"
)

// Message kinds recognized by Classify.
const (
	KindIncomingCall = "incoming_call"
	KindSpeak        = "speak_message"
	KindChat         = "chat"
	KindNewMessage   = "new_message"
)

// Chat is a message from another user.
type Chat struct {
	SenderName string
	Body       string
}

// Speak is text to read aloud.
type Speak struct {
	Text      string
	Priority  speech.Priority
	Interrupt bool
}

// Generic is any other titled message.
type Generic struct {
	Title string
	Body  string
}

// Intent is the classified form of an inbound message. Exactly one payload
// matching Kind is set; IntentNone carries none.
type Intent struct {
	Kind    IntentKind
	Call    *call.Incoming
	Chat    *Chat
	Speak   *Speak
	Generic *Generic
}

var kindAliases = map[string]string{
	"incoming_call":       KindIncomingCall,
	"incoming-call":       KindIncomingCall,
	"incoming-audio-call": KindIncomingCall,
	"incoming-video-call": KindIncomingCall,
	"speak_message":       KindSpeak,
	"speak-message":       KindSpeak,
	"chat":                KindChat,
	"new_message":         KindNewMessage,
	"new-message":         KindNewMessage,
}

// NormalizeKind maps historical event names onto the canonical kind.
func NormalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if canonical, ok := kindAliases[kind]; ok {
		return canonical
	}
	return kind
}

// Classify maps msg to exactly one intent. Speak wins over incoming call, which
// wins over chat; anything else is generic, or none when it has no text.
func Classify(msg bus.InboundMessage) Intent {
	kind := NormalizeKind(msg.Kind)
	if kind == "" {
		kind = NormalizeKind(msg.Field("type"))
	}

	switch kind {
	case KindSpeak:
		return Intent{Kind: IntentSpeak, Speak: &Speak{
			Text:      msg.Field("message", "text", "body"),
			Priority:  speech.ParsePriority(msg.Field("priority")),
			Interrupt: !strings.EqualFold(msg.Field("interrupt"), "false"),
		}}
	case KindIncomingCall:
		return Intent{Kind: IntentIncomingCall, Call: &call.Incoming{
			CallerID:   msg.Field("callerId", "from", "userId", "id"),
			CallerName: firstNonEmpty(msg.Field("callerName", "name", "fromName"), "Unknown Caller"),
			CallerPic:  msg.Field("callerProfilePic", "profilePic"),
			Channel:    msg.Field("channelName", "channel", "room"),
			IsAudio:    isAudioCall(msg),
		}}
	case KindChat, KindNewMessage:
		return Intent{Kind: IntentChat, Chat: &Chat{
			SenderName: firstNonEmpty(msg.Field("senderName", "title"), "New Message"),
			Body:       firstNonEmpty(msg.Field("message", "body"), "You have a new message"),
		}}
	}

	title := msg.Field("title", "senderName")
	body := msg.Field("body", "message")
	if title == "" && body == "" {
		return Intent{Kind: IntentNone}
	}
	if title == "" {
		title = "Notification"
	}
	return Intent{Kind: IntentGeneric, Generic: &Generic{Title: title, Body: body}}
}

// FromSocketEvent builds the inbound message for a realtime event so it goes
// through the same classification as push messages.
func FromSocketEvent(event string, payload socket.Payload) bus.InboundMessage {
	fields := make(map[string]string, len(payload))
	for key, value := range payload {
		if s, ok := stringify(value); ok {
			fields[key] = s
		}
	}
	msg := bus.InboundMessage{
		Transport: bus.TransportSocket,
		Kind:      NormalizeKind(event),
		Fields:    fields,
	}
	msg.ID = msg.Field("id", "messageId", "_id")

	switch strings.ToLower(strings.TrimSpace(event)) {
	case "incoming-audio-call":
		fields["isAudio"] = "true"
	case "incoming-video-call":
		fields["isAudio"] = "false"
	}
	return msg
}

// isAudioCall reads the audio flag. Realtime payloads may carry the call type
// in "type" because the event name already names the kind.
func isAudioCall(msg bus.InboundMessage) bool {
	if strings.EqualFold(msg.Field("isAudio"), "true") || strings.EqualFold(msg.Field("callType"), "audio") {
		return true
	}
	return msg.Kind != "" && strings.EqualFold(msg.Field("type"), "audio")
}

func stringify(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
