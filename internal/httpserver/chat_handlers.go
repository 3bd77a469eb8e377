package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
	"github.com/gradientsaas/gradient-chat/internal/httpserver/protocol"
	"github.com/gradientsaas/gradient-chat/internal/relay"
)

type chatEndpoint struct {
	server *Server
}

func newChatEndpoint(server *Server) protocol.Endpoint {
	return &chatEndpoint{server: server}
}

func (e *chatEndpoint) Name() string { return "chat" }

func (e *chatEndpoint) Routes() []protocol.EndpointRoute {
	route := protocol.EndpointRoute{Method: http.MethodPost, Path: "/api/chat", Handler: http.HandlerFunc(e.server.handleChat)}
	if e.server.rateLimit != nil {
		route.Middlewares = append(route.Middlewares, e.server.rateLimit.Wrap)
	}
	return []protocol.EndpointRoute{route}
}

type chatImagePayload struct {
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	// Data is standard base64, optionally as a data: URL.
	Data string `json:"data"`
}

type chatRequestPayload struct {
	ConversationID string `json:"conversationId"`
	// ChatID is the name older clients send.
	ChatID  string             `json:"chatId"`
	Content string             `json:"content"`
	Images  []chatImagePayload `json:"images"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	cfg := s.relay.Config()
	// Base64 inflates by 4/3; leave room for the text and JSON framing.
	limit := int64(cfg.MaxImages)*cfg.MaxImageBytes*4/3 + 1<<20
	var payload chatRequestPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusBadRequest, errors.New("request body too large"))
			return
		}
		if errors.Is(err, io.EOF) {
			err = errors.New("request body required")
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	req, err := payload.toRelayRequest()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	ex, err := s.relay.Begin(r.Context(), identityFromContext(r.Context()), req)
	if err != nil {
		s.respondRelayError(w, err)
		return
	}
	s.debugf("chat stream request_id=%s conversation=%s model=%s", middleware.GetReqID(r.Context()), req.ConversationID, ex.Model())

	fw := relay.NewFramer(w, cfg.Format)
	fw.PrepareHeaders(w.Header())
	w.Header().Set("X-Conversation-Id", ex.Conversation().ID)
	w.Header().Set("X-Upstream-Model", ex.Model())
	w.WriteHeader(http.StatusOK)

	res := ex.Run(r.Context(), fw)
	if res.Outcome == relay.StateErroring && !res.ClientGone {
		// Headers are gone; dropping the connection is the only way to tell a
		// raw text client the reply is incomplete.
		panic(http.ErrAbortHandler)
	}
}

func (p chatRequestPayload) toRelayRequest() (relay.Request, error) {
	req := relay.Request{
		ConversationID: strings.TrimSpace(p.ConversationID),
		Content:        p.Content,
	}
	if req.ConversationID == "" {
		req.ConversationID = strings.TrimSpace(p.ChatID)
	}
	for i, img := range p.Images {
		att, err := img.decode()
		if err != nil {
			return relay.Request{}, errors.New("image " + imageLabel(img.Name, i) + ": " + err.Error())
		}
		req.Images = append(req.Images, att)
	}
	return req, nil
}

func (img chatImagePayload) decode() (conversation.ImageAttachment, error) {
	mimeType := strings.TrimSpace(img.MimeType)
	data := strings.TrimSpace(img.Data)
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		header, encoded, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return conversation.ImageAttachment{}, errors.New("data URL must be base64 encoded")
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(header, ";base64")
		}
		data = encoded
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return conversation.ImageAttachment{}, errors.New("data is not valid base64")
	}
	return conversation.ImageAttachment{MimeType: mimeType, Name: img.Name, Size: img.Size, Data: raw}, nil
}

func imageLabel(name string, i int) string {
	if name != "" {
		return name
	}
	return "#" + strconv.Itoa(i+1)
}
