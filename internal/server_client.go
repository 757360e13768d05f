package internal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client wraps one websocket connection and its buffered send queue.
type Client struct {
	id           string
	addr         string
	conn         *websocket.Conn
	send         chan []byte
	closed       bool
	messageTimes []time.Time
	log          *logrus.Entry
}

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 8192
	sendBufferSize  = 256
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

func newClient(conn *websocket.Conn, addr string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := uuid.NewString()
	return &Client{
		id:           id,
		addr:         addr,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		messageTimes: make([]time.Time, 0, rateLimitBurst),
		log:          logger.WithFields(logrus.Fields{"component": "ws", "conn": id}),
	}
}

// deliver queues frame without blocking. It reports false when the client is
// closed or too slow to keep up. Only the hub goroutine calls it.
func (client *Client) deliver(frame []byte) bool {
	if client.closed {
		return false
	}
	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

func (client *Client) closeSend() {
	if client.closed {
		return
	}
	client.closed = true
	close(client.send)
}

func (client *Client) readPump(hub *Hub) {
	defer func() {
		hub.Disconnect(client)
		client.conn.Close()
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				client.log.Warn("frame exceeded read limit")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.log.WithError(err).Debug("read error")
			}
			break
		}
		client.dispatch(hub, payload)
	}
}

// dispatch decodes one inbound frame and hands it to the hub.
func (client *Client) dispatch(hub *Hub, payload []byte) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		client.log.WithError(err).Debug("ignoring malformed frame")
		return
	}
	switch envelope.Event {
	case EventJoinChat:
		var req JoinChatRequest
		if err := decodeData(envelope.Data, &req); err != nil {
			client.log.WithError(err).Debug("bad join_chat payload")
		}
		hub.Join(client, req.Username)
	case EventSendMessage:
		var req SendMessageRequest
		if err := decodeData(envelope.Data, &req); err != nil {
			client.log.WithError(err).Debug("bad send_message payload")
			return
		}
		hub.Message(client, req.Message)
	case EventTyping:
		var req TypingRequest
		if err := decodeData(envelope.Data, &req); err != nil {
			client.log.WithError(err).Debug("bad typing payload")
			return
		}
		hub.Typing(client, req.IsTyping)
	default:
		client.log.WithField("event", envelope.Event).Debug("ignoring unknown event")
	}
}

func decodeData(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// allowMessage applies a sliding-window limit to chat messages.
func (client *Client) allowMessage(now time.Time) bool {
	cutoff := now.Add(-rateLimitWindow)
	idx := 0
	for _, ts := range client.messageTimes {
		if ts.After(cutoff) {
			client.messageTimes[idx] = ts
			idx++
		}
	}
	client.messageTimes = client.messageTimes[:idx]
	if len(client.messageTimes) >= rateLimitBurst {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}
