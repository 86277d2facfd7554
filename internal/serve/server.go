// Package serve exposes conversations over HTTP and streams bus events to
// websocket clients.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/echochat/echochat/internal/bus"
	"github.com/echochat/echochat/internal/chat"
	"github.com/echochat/echochat/internal/llm"
	"github.com/echochat/echochat/internal/store"
)

// Store is the read side plus conversation creation.
type Store interface {
	ListAccounts(ctx context.Context) ([]store.Account, error)
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	DefaultAccount(ctx context.Context, kind llm.Kind) (*store.Account, error)
	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, opts store.ListOptions) ([]store.ConversationSummary, error)
	LoadConversation(ctx context.Context, conversationID string) ([]store.Message, error)
	Search(ctx context.Context, query string, limit int) ([]store.SearchResult, error)
}

// Chat runs turns.
type Chat interface {
	Send(ctx context.Context, conversationID string, in chat.Input) (*chat.Receipt, error)
	Regenerate(ctx context.Context, messageID string) (*chat.Receipt, error)
	Edit(ctx context.Context, messageID, text string) (*chat.Receipt, error)
	Cancel(conversationID string) bool
	Active(conversationID string) (string, bool)
}

// Events is the subscription side of the bus.
type Events interface {
	SubscribeSince(since int64) (<-chan bus.Event, func())
}

type Options struct {
	Token  string // empty disables auth and limits websockets to local origins
	Logger *slog.Logger
}

type Server struct {
	store  Store
	chat   Chat
	events Events
	token  string
	logger *slog.Logger
}

const writeWait = 10 * time.Second

func New(st Store, c Chat, ev Events, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, chat: c, events: ev, token: strings.TrimSpace(opts.Token), logger: logger}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)

		r.Get("/accounts", s.handleListAccounts)
		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Get("/conversations/{id}/messages", s.handleListMessages)
		r.Post("/conversations/{id}/messages", s.handleSend)
		r.Post("/conversations/{id}/cancel", s.handleCancel)
		r.Get("/conversations/{id}/export", s.handleExport)
		r.Post("/messages/{id}/regenerate", s.handleRegenerate)
		r.Post("/messages/{id}/edit", s.handleEdit)
		r.Get("/search", s.handleSearch)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("listening", "addr", addr, "auth", s.token != "")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]accountJSON, 0, len(accts))
	for _, a := range accts {
		items = append(items, toAccountJSON(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": items})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{Archived: r.URL.Query().Get("archived") == "true"}
	opts.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	opts.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := s.store.ListConversations(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]conversationJSON, 0, len(list))
	for _, c := range list {
		item := toConversationJSON(c.Conversation, c.MessageCount)
		item.ActiveTurn, _ = s.chat.Active(c.ID)
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid JSON body"})
		return
	}

	accountID := req.AccountID
	if accountID == "" {
		kind, ok := llm.ParseKind(req.Kind)
		if !ok {
			s.writeError(w, llm.NewError(llm.UnknownProviderKind, strconv.Quote(req.Kind), nil))
			return
		}
		acct, err := s.store.DefaultAccount(r.Context(), kind)
		if err != nil {
			s.writeError(w, err)
			return
		}
		accountID = acct.ID
	}

	conv := &store.Conversation{AccountID: accountID, Title: req.Title, SystemPrompt: req.SystemPrompt}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationJSON(*conv, 0))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.LoadConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := toConversationJSON(*conv, len(msgs))
	out.ActiveTurn, _ = s.chat.Active(id)
	writeJSON(w, http.StatusOK, map[string]any{"conversation": out, "messages": messagesJSON(msgs)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.LoadConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messagesJSON(msgs)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid JSON body"})
		return
	}
	in := chat.Input{Text: req.Text}
	for _, img := range req.Images {
		in.Images = append(in.Images, llm.Image{MIMEType: img.MIMEType, Data: img.Data})
	}

	receipt, err := s.chat.Send(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toReceiptJSON(receipt))
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.chat.Regenerate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toReceiptJSON(receipt))
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid JSON body"})
		return
	}
	receipt, err := s.chat.Edit(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toReceiptJSON(receipt))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.chat.Cancel(id)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var acct *store.Account
	if conv.AccountID != "" {
		if acct, err = s.store.GetAccount(r.Context(), conv.AccountID); err != nil && !errors.Is(err, store.ErrAccountNotFound) {
			s.writeError(w, err)
			return
		}
	}
	msgs, err := s.store.LoadConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts := store.ExportOptions{IncludeSystem: r.URL.Query().Get("system") == "true"}
	md := store.ExportToMarkdown(conv, acct, msgs, opts)

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="conversation-`+store.ShortID(id)+`.md"`)
	_, _ = w.Write([]byte(md))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "missing q"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := s.store.Search(r.Context(), q, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]searchResultJSON, 0, len(results))
	for _, res := range results {
		items = append(items, searchResultJSON{
			ConversationID: res.ConversationID,
			MessageID:      res.MessageID,
			Title:          res.Title,
			Snippet:        res.Snippet,
			Role:           string(res.Role),
			CreatedAt:      res.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

// handleEvents streams bus events over a websocket. ?since=N replays
// retained events after seq N; ?conversation=ID filters to one conversation.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(-1)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid since"})
			return
		}
		since = n
	}
	filter := r.URL.Query().Get("conversation")

	conn, err := s.upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.events.SubscribeSince(since)
	defer unsubscribe()

	// The client only sends close frames; reading detects disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if filter != "" && ev.ConversationID != filter {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, errorJSON{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	value := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(value, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(value, prefix)) == s.token
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token") == s.token
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return upgrader.Upgrade(w, r, nil)
}

// checkOrigin lets any origin in when a token guards the API. Without one,
// only non-browser clients, the server's own host and loopback pages may
// read the event stream.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.token != "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// writeError maps failures to status codes. Provider failures keep their
// kind and reason so clients can render the same cause as the CLI.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func statusFor(err error) (int, errorJSON) {
	body := errorJSON{Error: err.Error()}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		body.Kind = string(llmErr.Kind)
		body.Reason = string(llmErr.Reason)
		switch llmErr.Kind {
		case llm.TurnInProgress:
			return http.StatusConflict, body
		case llm.UnsupportedAttachment:
			return http.StatusUnprocessableEntity, body
		case llm.UnknownProviderKind:
			return http.StatusBadRequest, body
		case llm.MissingCredential:
			return http.StatusPreconditionFailed, body
		case llm.StorageFailure:
			return http.StatusServiceUnavailable, body
		}
		return http.StatusBadGateway, body
	}
	switch {
	case errors.Is(err, store.ErrConversationNotFound),
		errors.Is(err, store.ErrMessageNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, body
	case errors.Is(err, chat.ErrNotRegenerable), errors.Is(err, chat.ErrNotEditable), errors.Is(err, chat.ErrNoAccount):
		return http.StatusConflict, body
	}
	return http.StatusInternalServerError, errorJSON{Error: "internal error"}
}

func messagesJSON(msgs []store.Message) []messageJSON {
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	return out
}

func toReceiptJSON(r *chat.Receipt) receiptJSON {
	return receiptJSON{
		ConversationID:     r.ConversationID,
		UserMessageID:      r.UserMessageID,
		AssistantMessageID: r.AssistantMessageID,
	}
}

func writeEvent(conn *websocket.Conn, ev bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
