package internal

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultHistoryCapacity = 100
	defaultReplayCount     = 30
)

// HubConfig tunes the presence hub.
type HubConfig struct {
	HistoryCapacity int
	ReplayCount     int
	// NotifyJoiner also delivers user_joined to the connection that joined.
	NotifyJoiner bool
}

func (cfg HubConfig) withDefaults() HubConfig {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = defaultHistoryCapacity
	}
	if cfg.ReplayCount <= 0 {
		cfg.ReplayCount = defaultReplayCount
	}
	return cfg
}

// HubSnapshot is a point-in-time view of the hub state.
type HubSnapshot struct {
	Participants []string `json:"participants"`
	Connections  int      `json:"connections"`
	HistoryLen   int      `json:"history_len"`
}

type hubEventKind int

const (
	hubConnect hubEventKind = iota
	hubJoin
	hubMessage
	hubTyping
	hubDisconnect
	hubSnapshot
)

type hubEvent struct {
	kind   hubEventKind
	client *Client
	text   string
	typing bool
	reply  chan HubSnapshot
}

// Hub serializes every connection event through a single goroutine. The
// registry, the history buffer and the client set are only touched from Run,
// and delivery never blocks on a socket: each client has its own writePump.
type Hub struct {
	cfg      HubConfig
	events   chan hubEvent
	clients  map[string]*Client
	registry *SessionRegistry
	history  *HistoryBuffer
	metrics  *Metrics
	log      *logrus.Entry
	now      func() time.Time
	done     chan struct{}
}

// NewHub builds an idle hub. Start it with Run.
func NewHub(cfg HubConfig, metrics *Metrics, logger *logrus.Logger) *Hub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		cfg:      cfg,
		events:   make(chan hubEvent, 256),
		clients:  make(map[string]*Client),
		registry: NewSessionRegistry(),
		history:  NewHistoryBuffer(cfg.HistoryCapacity),
		metrics:  metrics,
		log:      logger.WithField("component", "hub"),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Connect(client *Client) {
	h.enqueue(hubEvent{kind: hubConnect, client: client})
}

func (h *Hub) Join(client *Client, username string) {
	h.enqueue(hubEvent{kind: hubJoin, client: client, text: username})
}

func (h *Hub) Message(client *Client, text string) {
	h.enqueue(hubEvent{kind: hubMessage, client: client, text: text})
}

func (h *Hub) Typing(client *Client, isTyping bool) {
	h.enqueue(hubEvent{kind: hubTyping, client: client, typing: isTyping})
}

func (h *Hub) Disconnect(client *Client) {
	h.enqueue(hubEvent{kind: hubDisconnect, client: client})
}

// Snapshot asks the hub goroutine for its current state.
func (h *Hub) Snapshot(ctx context.Context) (HubSnapshot, error) {
	reply := make(chan HubSnapshot, 1)
	select {
	case h.events <- hubEvent{kind: hubSnapshot, reply: reply}:
	case <-h.done:
		return HubSnapshot{}, context.Canceled
	case <-ctx.Done():
		return HubSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-h.done:
		return HubSnapshot{}, context.Canceled
	case <-ctx.Done():
		return HubSnapshot{}, ctx.Err()
	}
}

func (h *Hub) enqueue(ev hubEvent) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *Hub) handle(ev hubEvent) {
	switch ev.kind {
	case hubConnect:
		h.handleConnect(ev.client)
	case hubJoin:
		h.handleJoin(ev.client, ev.text)
	case hubMessage:
		h.handleMessage(ev.client, ev.text)
	case hubTyping:
		h.handleTyping(ev.client, ev.typing)
	case hubDisconnect:
		h.handleDisconnect(ev.client)
	case hubSnapshot:
		ev.reply <- HubSnapshot{
			Participants: h.registry.AllNames(),
			Connections:  len(h.clients),
			HistoryLen:   h.history.Len(),
		}
	}
}

func (h *Hub) handleConnect(client *Client) {
	if client == nil {
		return
	}
	h.clients[client.id] = client
	h.metrics.setConnections(len(h.clients))
	h.log.WithFields(logrus.Fields{"conn": client.id, "addr": client.addr}).Debug("connected")
}

func (h *Hub) handleJoin(client *Client, requested string) {
	if _, live := h.clients[client.id]; !live {
		return
	}
	if name, joined := h.registry.NameOf(client.id); joined {
		h.sendError(client, "already joined as "+name)
		return
	}
	// replay excludes the join notice built below
	replay := h.history.Tail(h.cfg.ReplayCount)
	session, err := h.registry.Join(client.id, requested)
	if err != nil {
		h.sendError(client, err.Error())
		return
	}
	users := h.registry.AllNames()
	// a joiner that cannot take its own reply is dropped before anyone
	// else learns about the join
	frame, err := encodeEnvelope(EventJoinedResponse, JoinedResponse{
		Username:  session.Name,
		UsersList: users,
		Messages:  replay,
	})
	if err != nil || !client.deliver(frame) {
		h.log.WithError(err).WithField("conn", client.id).Warn("dropping client during join")
		h.registry.Leave(client.id)
		h.dropClient(client)
		return
	}
	event := newChatEvent(SystemUser, session.Name+" joined the chat", h.now())
	h.history.Append(event)
	h.metrics.setParticipants(len(users))

	h.log.WithFields(logrus.Fields{"conn": client.id, "user": session.Name, "participants": len(users)}).Info("user joined")

	exclude := client
	if h.cfg.NotifyJoiner {
		exclude = nil
	}
	h.broadcast(EventUserJoined, UserJoined{User: session.Name, UsersList: users, Message: &event}, exclude)
}

func (h *Hub) handleMessage(client *Client, text string) {
	name, joined := h.registry.NameOf(client.id)
	if !joined {
		return
	}
	content := strings.TrimSpace(text)
	if content == "" {
		return
	}
	now := h.now()
	if !client.allowMessage(now) {
		h.sendError(client, "You're sending messages too quickly. Please wait a moment and try again.")
		return
	}
	event := newChatEvent(name, content, now)
	h.history.Append(event)
	h.metrics.incMessages()
	h.broadcast(EventNewMessage, event, nil)
}

func (h *Hub) handleTyping(client *Client, isTyping bool) {
	name, joined := h.registry.NameOf(client.id)
	if !joined {
		return
	}
	h.broadcast(EventUserTyping, UserTyping{User: name, IsTyping: isTyping}, client)
}

func (h *Hub) handleDisconnect(client *Client) {
	if client == nil {
		return
	}
	h.dropClient(client)
	session, existed := h.registry.Leave(client.id)
	if !existed {
		h.log.WithField("conn", client.id).Debug("anonymous connection closed")
		return
	}
	event := newChatEvent(SystemUser, session.Name+" left the chat", h.now())
	h.history.Append(event)
	users := h.registry.AllNames()
	h.metrics.setParticipants(len(users))
	h.log.WithFields(logrus.Fields{"conn": client.id, "user": session.Name, "participants": len(users)}).Info("user left")
	h.broadcast(EventUserLeft, UserLeft{User: session.Name, UsersList: users, Message: &event}, nil)
}

// broadcast delivers to every identified session except exclude. Clients
// whose buffers are full are dropped afterwards and reported as having left.
func (h *Hub) broadcast(event string, payload interface{}, exclude *Client) {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("encode broadcast")
		return
	}
	var slow []*Client
	for _, id := range h.registry.ConnIDs() {
		client, ok := h.clients[id]
		if !ok || client == exclude {
			continue
		}
		if !client.deliver(frame) {
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.log.WithField("conn", client.id).Warn("dropping slow client")
		h.handleDisconnect(client)
	}
}

func (h *Hub) sendTo(client *Client, event string, payload interface{}) {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("encode reply")
		return
	}
	if !client.deliver(frame) {
		h.log.WithField("conn", client.id).Warn("dropping slow client")
		h.handleDisconnect(client)
	}
}

// dropClient forgets the connection and closes its send queue.
func (h *Hub) dropClient(client *Client) {
	if _, live := h.clients[client.id]; !live {
		return
	}
	delete(h.clients, client.id)
	client.closeSend()
	h.metrics.setConnections(len(h.clients))
}

func (h *Hub) sendError(client *Client, message string) {
	h.sendTo(client, EventError, ErrorEvent{Message: message})
}

func (h *Hub) shutdown() {
	for id, client := range h.clients {
		client.closeSend()
		delete(h.clients, id)
	}
	h.metrics.setConnections(0)
	h.metrics.setParticipants(0)
	h.log.Info("hub stopped")
}
