// Package api is the REST surface: conversation setup, history and
// seen state over plain HTTP, while live delivery runs over /ws.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"minichat/auth"
	"minichat/chat"
	"minichat/store"
	"minichat/ws"
)

type Api struct {
	authClient auth.Client
	resolver   *chat.Resolver
	messages   *chat.Messages
	seen       *chat.Seen
	hub        *ws.Hub
	validate   *validator.Validate
}

func New(authClient auth.Client, resolver *chat.Resolver, messages *chat.Messages, seen *chat.Seen, hub *ws.Hub) *Api {
	return &Api{
		authClient: authClient,
		resolver:   resolver,
		messages:   messages,
		seen:       seen,
		hub:        hub,
		validate:   validator.New(),
	}
}

// RegisterRoutes registers every REST endpoint on r.
func (a *Api) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/conversations/direct", a.wrap(a.createDirect)).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations/group", a.wrap(a.createGroup)).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations", a.wrap(a.listConversations)).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations/{id}/messages", a.wrap(a.sendMessage)).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations/{id}/messages", a.wrap(a.getMessages)).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations/{id}/seen", a.wrap(a.markSeen)).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations/{id}/seen", a.wrap(a.seenStates)).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations/{id}/participants", a.wrap(a.addParticipant)).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions", a.wrap(a.listSessions)).Methods(http.MethodGet)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, uid store.UserID)

// wrap authenticates the request and hands the uid down.
func (a *Api) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		uid, err := a.authClient.Auth(r)
		if err != nil {
			glog.Errorf("api: authenticate error: %v", err)
			writeError(w, http.StatusForbidden, "authenticate error")
			return
		}
		h(w, r, uid)
	}
}

type createDirectReq struct {
	Peer store.UserID `json:"peer" validate:"required"`
}

func (a *Api) createDirect(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	var req createDirectReq
	if !a.decode(w, r, &req) {
		return
	}
	conv, err := a.resolver.FindOrCreateDirect(r.Context(), uid, req.Peer)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, conv)
}

type createGroupReq struct {
	Name    string         `json:"name" validate:"required"`
	Members []store.UserID `json:"members" validate:"required,min=1"`
}

func (a *Api) createGroup(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	var req createGroupReq
	if !a.decode(w, r, &req) {
		return
	}
	conv, err := a.resolver.CreateGroup(r.Context(), uid, req.Members, req.Name)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, conv)
}

func (a *Api) listConversations(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	views, err := a.messages.List(r.Context(), uid)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if views == nil {
		views = []*store.ConversationView{}
	}
	writeJSON(w, views)
}

type sendMessageReq struct {
	Body       string `json:"body" validate:"required_without=Attachment"`
	Attachment string `json:"attachment"`
}

func (a *Api) sendMessage(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	convID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req sendMessageReq
	if !a.decode(w, r, &req) {
		return
	}
	msg, err := a.messages.Send(r.Context(), convID, uid, req.Body, req.Attachment)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, msg)
}

func (a *Api) getMessages(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	convID, ok := pathID(w, r)
	if !ok {
		return
	}
	fromSeq := queryInt32(r, "from_seq")
	toSeq := queryInt32(r, "to_seq")
	msgs, err := a.messages.History(r.Context(), convID, uid, fromSeq, toSeq)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, msgs)
}

type markSeenReq struct {
	UpTo int64 `json:"up_to" validate:"required"`
}

func (a *Api) markSeen(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	convID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req markSeenReq
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.seen.MarkSeen(r.Context(), convID, uid, req.UpTo)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, res)
}

func (a *Api) seenStates(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	convID, ok := pathID(w, r)
	if !ok {
		return
	}
	headSeq := queryInt32(r, "head_seq")
	states, err := a.seen.States(r.Context(), convID, uid, headSeq)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, states)
}

type addParticipantReq struct {
	Uid store.UserID `json:"uid" validate:"required"`
}

func (a *Api) addParticipant(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	convID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req addParticipantReq
	if !a.decode(w, r, &req) {
		return
	}
	conv, err := a.resolver.AddParticipant(r.Context(), convID, uid, req.Uid)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, conv)
}

func (a *Api) listSessions(w http.ResponseWriter, r *http.Request, uid store.UserID) {
	sessions := a.hub.SessionsOf(uid)
	if sessions == nil {
		sessions = []*ws.Session{}
	}
	writeJSON(w, sessions)
}

// decode parses and validates the JSON body. Writes the error reply
// itself and returns false on failure.
func (a *Api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

func queryInt32(r *http.Request, key string) int32 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 32)
	if err != nil {
		return 0
	}
	return int32(v)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: encode response error: %v", err)
	}
}

func writeChatError(w http.ResponseWriter, err error) {
	e := chat.AsError(err)
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"msg": msg})
}
