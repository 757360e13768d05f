package internal

import (
	"encoding/json"
	"time"
)

// SystemUser is the sender name of synthesized events.
const SystemUser = "System"

// ChatEvent is one entry of the chat history. It is never mutated once built.
type ChatEvent struct {
	User      string    `json:"user"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func newChatEvent(user, content string, now time.Time) ChatEvent {
	return ChatEvent{User: user, Content: content, Timestamp: now.UTC()}
}

// inbound event names
const (
	EventJoinChat    = "join_chat"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
)

// outbound event names
const (
	EventJoinedResponse = "joined_response"
	EventUserJoined     = "user_joined"
	EventNewMessage     = "new_message"
	EventUserTyping     = "user_typing"
	EventUserLeft       = "user_left"
	EventError          = "error"
)

// Envelope is the json frame exchanged over the chat websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinChatRequest struct {
	Username string `json:"username"`
}

type SendMessageRequest struct {
	Message string `json:"message"`
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type JoinedResponse struct {
	Username  string      `json:"username"`
	UsersList []string    `json:"users_list"`
	Messages  []ChatEvent `json:"messages"`
}

type UserJoined struct {
	User      string     `json:"user"`
	UsersList []string   `json:"users_list"`
	Message   *ChatEvent `json:"message,omitempty"`
}

type UserTyping struct {
	User     string `json:"user"`
	IsTyping bool   `json:"is_typing"`
}

type UserLeft struct {
	User      string     `json:"user"`
	UsersList []string   `json:"users_list"`
	Message   *ChatEvent `json:"message,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

// encodeEnvelope builds a complete frame for the given event and payload.
func encodeEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
