package ws

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"minichat/auth"
	"minichat/bus"
	"minichat/chat"
	"minichat/store"
)

// Session describes one live websocket connection. A user with several
// devices holds several sessions; each gets its own sid.
type Session struct {
	Uid        store.UserID `json:"uid"`
	Sid        string       `json:"sid"`
	CreateTime int64        `json:"create_time"`
	Ip         string       `json:"ip"`
}

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	authClient auth.Client
	bus        *bus.Bus
	messages   *chat.Messages
	seen       *chat.Seen
	hstore     *HandlerStore
	bufferSize int
}

// NewHub creates a `Hub`. bufferSize is the per session event buffer;
// a session that lets it fill up gets disconnected.
func NewHub(authClient auth.Client, b *bus.Bus, messages *chat.Messages, seen *chat.Seen, bufferSize int) *Hub {
	return &Hub{
		authClient: authClient,
		bus:        b,
		messages:   messages,
		seen:       seen,
		bufferSize: bufferSize,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// Fetch the conversation list before upgrading: after the upgrade
	// an HTTP error reply is no longer possible.
	views, err := h.messages.List(r.Context(), uid)
	if err != nil {
		glog.Errorf("ServeHTTP(): list conversations error, uid: %d, err: %v", uid, err)
		http.Error(w, "Storage error", chat.AsError(err).HTTPStatus())
		return
	}

	// Subscribe before the upgrade so the session misses nothing that
	// happens the moment the handshake completes.
	sub := h.bus.NewSubscriber(h.bufferSize)
	h.bus.Attach(sub, bus.UserChannel(uid))
	for _, v := range views {
		h.bus.Attach(sub, bus.ConvChannel(v.ID))
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %d, err: %s", uid, err)
		h.bus.Remove(sub)
		return
	}

	// NOTE: after upgrade, `w.WriteHeader(...)` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *SessionData, 16),
		session:  sess,
		conn:     conn,
		sub:      sub,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.Sid)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

// SessionsOf returns the live sessions of one user, one per device.
func (h *Hub) SessionsOf(uid store.UserID) []*Session {
	var out []*Session
	for _, handler := range h.hstore.getByUid(uid) {
		out = append(out, handler.session)
	}
	return out
}

// Close terminates every live session. Used on shutdown.
func (h *Hub) Close() {
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	openSessions.Inc()
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		openSessions.Dec()
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
