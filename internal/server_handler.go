package internal

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and attaches the connection to the hub. The
// connection stays anonymous until it sends join_chat.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	websocketConn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.WithError(err).Warn("upgrade error")
		return
	}

	client := newClient(websocketConn, s.clientIP(request), s.log.Logger)
	s.hub.Connect(client)

	go client.writePump()
	go client.readPump(s.hub)
}
