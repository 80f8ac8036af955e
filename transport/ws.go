// Package transport binds browser WebSocket connections to room.Room
// instances: one gorilla/websocket connection per client, split into a
// ReadPump/WritePump goroutine pair per ai-kms's
// collaboration.Session, feeding room.Room.Dispatch instead of a
// broadcast hub since the CRDT sync protocol (not plain broadcast)
// already does all cross-client fan-out inside the room.
package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Polqt/crdtcollab/room"
)

const (
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 54 * time.Second // must be < pongTimeout
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender adapts a *websocket.Conn to room.Sender: Send queues a
// binary frame for the connection's WritePump rather than writing
// directly, so a slow client can never block the room's dispatch
// goroutine that called Client.Send.
type wsSender struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn, send: make(chan []byte, sendQueueSize), done: make(chan struct{})}
}

// Send implements room.Sender.
func (s *wsSender) Send(frame []byte) error {
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return websocket.ErrCloseSent
	default:
		// Buffer full: the client is too slow to keep up. Closing here
		// (rather than blocking) is what lets the room's dispatch
		// goroutine never stall on one bad connection.
		s.closeOnce()
		return websocket.ErrCloseSent
	}
}

// Close implements room.Sender.
func (s *wsSender) Close(code int, reason string) error {
	s.closeOnce()
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	return s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (s *wsSender) closeOnce() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Handler upgrades HTTP requests to WebSocket connections and binds
// each one to a room.Manager room, per spec.md §6's
// `GET /rooms/{room_id}` surface.
type Handler struct {
	rooms *room.Manager
}

// NewHandler constructs a Handler backed by rooms.
func NewHandler(rooms *room.Manager) *Handler {
	return &Handler{rooms: rooms}
}

// ServeRoom upgrades r and joins it to the room identified by roomID,
// running its read/write pumps until the connection closes.
func (h *Handler) ServeRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	rm, err := h.rooms.GetRoom(roomID)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("transport: websocket upgrade failed", "room", roomID, "err", err)
		return
	}

	sender := newWSSender(conn)
	clientID := rm.Join(sender)
	defer rm.Leave(clientID)

	done := make(chan struct{})
	go writePump(conn, sender, done)
	readPump(conn, rm, clientID, sender)
	close(done)
}

// readPump reads frames off conn and dispatches them to the room until
// the connection errors or closes, mirroring ai-kms's
// Session.ReadPump deadline/pong-handler idiom.
func readPump(conn *websocket.Conn, rm *room.Room, clientID string, sender *wsSender) {
	defer sender.closeOnce()
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("transport: websocket read error", "client", clientID, "err", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		rm.Dispatch(clientID, payload)
	}
}

// writePump drains sender's queue onto conn, writing each frame as its
// own WebSocket binary message — spec.md §6 requires frames "exchanged
// verbatim" with the CRDT library framing, so unlike ai-kms's
// Session.WritePump (which coalesces same-shaped JSON broadcasts into
// one write) frames here must never be concatenated into a single
// message a peer would have no delimiter to resplit. It pings on an
// interval to detect dead connections pongTimeout couldn't catch from
// read errors alone.
func writePump(conn *websocket.Conn, sender *wsSender, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sender.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sender.done:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-done:
			return
		}
	}
}
