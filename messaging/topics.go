package messaging

import "strings"

// Topic names shared by every client on the broker. These strings are the
// interop contract; changing them breaks routing for everyone.
const (
	// SystemAnnouncementsTopic carries broadcast announcements.
	SystemAnnouncementsTopic = "system/announcements"

	// SystemPingTopic carries application-level keep-alive pings.
	SystemPingTopic = "system/ping"

	// ChatWildcardFilter subscribes to every chat room's message stream.
	ChatWildcardFilter = "chat/+/messages"

	// StatusWildcardFilter subscribes to every user's presence topic.
	StatusWildcardFilter = "users/+/status"
)

// DirectMessageTopic is where direct messages for username are published.
func DirectMessageTopic(username string) string {
	return "users/" + username + "/messages"
}

// RequestTopic is where requests addressed to username are published.
func RequestTopic(username string) string {
	return "users/" + username + "/requests"
}

// StatusTopic carries username's retained presence announcements.
func StatusTopic(username string) string {
	return "users/" + username + "/status"
}

// ChatTopic is the message stream of one chat room.
func ChatTopic(roomID string) string {
	return "chat/" + roomID + "/messages"
}

// ResponseTopicPrefix is the namespace under which a session receives
// responses to its own requests.
func ResponseTopicPrefix(username string) string {
	return "response/" + username + "/"
}

// ResponseTopic builds the ephemeral per-request response topic.
func ResponseTopic(username, suffix string) string {
	return ResponseTopicPrefix(username) + suffix
}

// MessageKind is the classification of an inbound topic.
type MessageKind int

const (
	KindUnrecognized MessageKind = iota
	KindDirectMessage
	KindRequest
	KindResponse
	KindChatMessage
	KindStatusUpdate
)

var kindNames = map[MessageKind]string{
	KindUnrecognized:  "unrecognized",
	KindDirectMessage: "directMessage",
	KindRequest:       "request",
	KindResponse:      "response",
	KindChatMessage:   "chatMessage",
	KindStatusUpdate:  "statusUpdate",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unrecognized"
}

// Classification is the result of routing one inbound topic. RoomID is set
// only for KindChatMessage.
type Classification struct {
	Kind   MessageKind
	RoomID string
}

// TopicRouter classifies inbound topics for one session. Classification is
// a pure structural match on the topic string; it never inspects payloads.
type TopicRouter struct {
	directTopic    string
	requestTopic   string
	responsePrefix string
}

// NewTopicRouter builds a router bound to the session's username.
func NewTopicRouter(username string) *TopicRouter {
	return &TopicRouter{
		directTopic:    DirectMessageTopic(username),
		requestTopic:   RequestTopic(username),
		responsePrefix: ResponseTopicPrefix(username),
	}
}

// Classify maps any topic string to exactly one kind. Precedence is fixed:
// the response namespace wins over everything else, so a response can never
// be misclassified as a chat or status message even if naming overlaps.
// Unmatched topics classify as KindUnrecognized, which is not an error.
func (r *TopicRouter) Classify(topic string) Classification {
	switch {
	case strings.HasPrefix(topic, r.responsePrefix):
		return Classification{Kind: KindResponse}
	case topic == r.directTopic:
		return Classification{Kind: KindDirectMessage}
	case topic == r.requestTopic:
		return Classification{Kind: KindRequest}
	}
	if room, ok := chatRoom(topic); ok {
		return Classification{Kind: KindChatMessage, RoomID: room}
	}
	if rest, ok := strings.CutSuffix(topic, "/status"); ok && rest != "" {
		return Classification{Kind: KindStatusUpdate}
	}
	return Classification{Kind: KindUnrecognized}
}

// chatRoom decomposes chat/{roomId}/messages. The room is a single topic
// segment, matching the chat/+/messages subscription filter.
func chatRoom(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, "chat/")
	if !ok {
		return "", false
	}
	room, ok := strings.CutSuffix(rest, "/messages")
	if !ok || room == "" || strings.Contains(room, "/") {
		return "", false
	}
	return room, true
}
