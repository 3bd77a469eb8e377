package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
	"github.com/gradientsaas/gradient-chat/internal/httpserver/protocol"
)

type conversationsEndpoint struct {
	server *Server
}

func newConversationsEndpoint(server *Server) protocol.Endpoint {
	return &conversationsEndpoint{server: server}
}

func (e *conversationsEndpoint) Name() string { return "conversations" }

func (e *conversationsEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/conversations", Handler: http.HandlerFunc(s.handleListConversations)},
		{Method: http.MethodPost, Path: "/api/conversations", Handler: http.HandlerFunc(s.handleCreateConversation)},
		{Method: http.MethodGet, Path: "/api/conversations/{id}", Handler: http.HandlerFunc(s.handleGetConversation)},
		{Method: http.MethodPatch, Path: "/api/conversations/{id}", Handler: http.HandlerFunc(s.handleRenameConversation)},
	}
}

type titlePayload struct {
	Title string `json:"title"`
}

const maxTitleBody = 64 << 10

// Conversation responses repeat the payload under the legacy chat/chats keys for older clients.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	list, err := s.store.ListConversations(r.Context(), id.UserID)
	if err != nil {
		s.logger.Printf("list conversations user=%s: %v", id.UserID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("failed to load conversations"))
		return
	}
	if list == nil {
		list = []conversation.Conversation{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"conversations": list, "chats": list})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var payload titlePayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTitleBody)).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	conv, err := s.store.CreateConversation(r.Context(), id.UserID, conversation.NormalizeTitle(payload.Title))
	if err != nil {
		s.logger.Printf("create conversation user=%s: %v", id.UserID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("failed to create conversation"))
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"conversation": conv, "chat": conv})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	conv, ok := s.loadOwned(w, r, id.UserID)
	if !ok {
		return
	}
	turns, err := s.store.RecentTurns(r.Context(), conv.ID, 0)
	if err != nil {
		s.logger.Printf("load turns conversation=%s: %v", conv.ID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("failed to load messages"))
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"conversation": conv, "chat": conv, "messages": turns})
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var payload titlePayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTitleBody)).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("title required"))
		return
	}
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("title required"))
		return
	}
	conv, err := s.store.RenameConversation(r.Context(), chi.URLParam(r, "id"), id.UserID, title)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"conversation": conv, "chat": conv})
}

func (s *Server) loadOwned(w http.ResponseWriter, r *http.Request, ownerID string) (*conversation.Conversation, bool) {
	conv, err := s.store.GetConversation(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		s.respondStoreError(w, err)
		return nil, false
	}
	return conv, true
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, conversation.ErrNotFound)
		return
	}
	s.logger.Printf("conversation store: %v", err)
	s.respondError(w, http.StatusInternalServerError, errors.New("conversation store unavailable"))
}
