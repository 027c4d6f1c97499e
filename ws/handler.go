package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"minichat/bus"
	"minichat/chat"
	"minichat/store"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	SlowConsumer SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend, see dev/nginx.conf.
		return true
	},
}

// Handler manages an active connection to an end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	hub *Hub

	session *Session
	conn    *websocket.Conn
	sub     *bus.Subscriber

	// dataChan carries replies to client requests and error signals.
	// Delivery events arrive on sub.C.
	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

// ClientMsg is a request sent by the peer over the socket. Exactly one
// field is set.
type ClientMsg struct {
	Send *SendReq `json:"send,omitempty"`
	Seen *SeenReq `json:"seen,omitempty"`
}

type SendReq struct {
	ConversationID int64  `json:"conversation_id"`
	Body           string `json:"body,omitempty"`
	Attachment     string `json:"attachment,omitempty"`
}

type SeenReq struct {
	ConversationID int64 `json:"conversation_id"`
	UpTo           int64 `json:"up_to"`
}

// ServerMsg is what the peer receives: either a delivery event or the
// reply to one of its requests.
type ServerMsg struct {
	Event *bus.Event            `json:"event,omitempty"`
	Sent  *store.Message        `json:"sent,omitempty"`
	Seen  *store.MarkSeenResult `json:"seen,omitempty"`
	Error *chat.Error           `json:"error,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)
	h.hub.bus.Remove(h.sub)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask the hub to forget this handler.
		h.hub.delHandler(h.session.Sid)
	}
}

func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		h.dataChan <- v
	}
}

func sendServerMsg(conn *websocket.Conn, msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.Errorf("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: &chat.Error{Code: chat.CodeInvalidParticipants, Msg: "websocket only supports TextMessage"},
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: &chat.Error{Code: chat.CodeInvalidParticipants, Msg: fmt.Sprintf("unmarshal error: %v", err)},
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		uid := h.session.Uid

		if v := req.Send; v != nil {
			sent, err := h.hub.messages.Send(context.Background(), v.ConversationID, uid, v.Body, v.Attachment)
			if err != nil {
				glog.Errorf("recvLoop(): Send error: %+v", err)
				h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: chat.AsError(err)}})
				continue
			}
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Sent: sent}})
		} else if v := req.Seen; v != nil {
			res, err := h.hub.seen.MarkSeen(context.Background(), v.ConversationID, uid, v.UpTo)
			if err != nil {
				glog.Errorf("recvLoop(): MarkSeen error: %+v", err)
				h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: chat.AsError(err)}})
				continue
			}
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Seen: res}})
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: &chat.Error{Code: chat.CodeInvalidParticipants, Msg: "unsupported request"},
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case e, ok := <-h.sub.C:
			if !ok {
				// The bus dropped us for lagging, or close() ran.
				if h.sub.Lagged() {
					glog.Errorf("sendLoop(): subscriber lagged, session: %s", h.String())
					h.close(SlowConsumer)
				}
				return
			}

			// A fresh conversation on the personal channel means this
			// session must start hearing its conversation channel too.
			if e.Type == bus.EventNewConversation {
				h.hub.bus.Attach(h.sub, bus.ConvChannel(e.ConversationID))
			}

			if err := sendServerMsg(h.conn, &ServerMsg{Event: e}); err != nil {
				glog.Errorf("sendLoop(), error write event. session: %s, err: %v", h.String(), err)
				h.close(WriteError)
				return
			}
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h.String())
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.appendDataChan(&SessionData{Error: WriteError})
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.appendDataChan(&SessionData{Error: PingError})
				return
			}
		}
	}
}
