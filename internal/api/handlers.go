package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/store"
	"github.com/npezzotti/go-dmchat/internal/types"
)

const messageIdPathValue = "message_id"

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateRoomRequest names the other participant by id or by username.
type CreateRoomRequest struct {
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Printf("internal error: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func toUser(u database.User) types.User {
	return types.User{
		Id:        u.Id,
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	lr.Username = strings.TrimSpace(lr.Username)
	if lr.Username == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	backend, ok := s.auth.Backend(auth.BackendPassword)
	if !ok {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := backend.Authenticate(r.Context(), lr.Username, lr.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		s.writeError(w, err)
		return
	}

	session, token, err := s.auth.Login(r.Context(), auth.TokenFromRequest(r), user, backend.Name())
	if err != nil {
		s.writeError(w, err)
		return
	}

	http.SetCookie(w, auth.NewSessionCookie(token, session.ExpiresAt))
	http.SetCookie(w, auth.NewCSRFCookie(session.CSRFToken, session.ExpiresAt))

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *GoChatApp) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), auth.TokenFromRequest(r)); err != nil {
		s.writeError(w, err)
		return
	}

	http.SetCookie(w, auth.ExpiredCookie(auth.SessionCookieName))
	http.SetCookie(w, auth.ExpiredCookie(auth.CSRFCookieName))
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, types.ErrUnauthenticated)
		return
	}

	s.writeJson(w, http.StatusOK, toUser(id.User))
}

func (s *GoChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, types.ErrUnauthenticated)
		return
	}

	rooms, err := s.store.ListRooms(r.Context(), id.User.Id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, types.ErrUnauthenticated)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var (
		other database.User
		err   error
	)
	switch username := strings.TrimSpace(req.Username); {
	case username != "":
		other, err = s.db.GetAccountByUsername(r.Context(), username)
	case req.UserId > 0:
		other, err = s.db.GetAccountById(r.Context(), req.UserId)
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	room, err := s.store.GetOrCreateRoom(r.Context(), id.User.Id, other.Id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, types.Room{
		Id:            room.Id,
		ExternalId:    room.ExternalId,
		OtherUser:     toUser(other),
		CreatedAt:     room.CreatedAt,
		LastMessageAt: room.LastMessageAt,
	})
}

// getMessages returns the room history and marks what the caller has
// received as read.
func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, types.ErrUnauthenticated)
		return
	}

	limit := store.DefaultMessageLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	room, err := s.store.ResolveRoom(r.Context(), r.PathValue(server.RoomIdPathValue))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !store.IsParticipant(room, id.User.Id) {
		s.writeError(w, types.ErrAccessDenied)
		return
	}

	messages, err := s.store.ListMessages(r.Context(), room, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if _, err := s.store.MarkRoomRead(r.Context(), room, id.User.Id); err != nil {
		s.log.Printf("mark room %s read: %v", room.ExternalId, err)
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GoChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, types.ErrUnauthenticated)
		return
	}

	msg, err := s.store.GetMessage(r.Context(), r.PathValue(messageIdPathValue))
	if err != nil {
		s.writeError(w, err)
		return
	}

	room, err := s.db.GetRoomById(r.Context(), msg.RoomId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// someone outside the room learns nothing about the message
	if !store.IsParticipant(room, id.User.Id) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.store.MarkRead(r.Context(), msg.Id); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
