// Package chat runs conversation turns: it sends history to a provider,
// streams the reply into the store in batches and reports progress on the
// event bus.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/echochat/echochat/internal/bus"
	"github.com/echochat/echochat/internal/llm"
	"github.com/echochat/echochat/internal/store"
	"github.com/echochat/echochat/internal/usage"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotRegenerable = errors.New("only active assistant messages can be regenerated")
	ErrNotEditable    = errors.New("only active user messages can be edited")
	ErrNoAccount      = errors.New("conversation has no account; assign one first")
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	AddAccountUsage(ctx context.Context, id string, use llm.Usage) error
	LoadConversation(ctx context.Context, conversationID string) ([]store.Message, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	AppendTurn(ctx context.Context, conversationID string, user, assistant *store.Message) error
	UpdateMessageContent(ctx context.Context, id, content string, status store.Status) error
	FinalizeMessage(ctx context.Context, id string, f store.Final) error
	AbandonMessage(ctx context.Context, id string, failure *llm.Error) error
	BeginRegeneration(ctx context.Context, id, model string) error
	BeginEdit(ctx context.Context, id, content string, assistant *store.Message) error
}

// Resolver turns an account into a ready adapter.
type Resolver interface {
	Resolve(ctx context.Context, acct llm.Account) (llm.Provider, error)
}

// Publisher receives progress notifications.
type Publisher interface {
	Publish(ev bus.Event) bus.Event
}

// UsageRecorder receives one entry per finalized turn that reported usage.
type UsageRecorder interface {
	Log(entry usage.LogEntry) error
}

// Config tunes turn execution.
type Config struct {
	Stream              bool
	Temperature         float64
	MaxTokens           int
	DefaultSystemPrompt string

	CommitInterval    time.Duration // max time between durable commits
	CommitBytes       int           // commit early once this many bytes are pending
	InactivityTimeout time.Duration // fail the turn after this long without data
	StorageRetries    int
	StorageBackoff    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Stream:            true,
		CommitInterval:    250 * time.Millisecond,
		CommitBytes:       2048,
		InactivityTimeout: 90 * time.Second,
		StorageRetries:    3,
		StorageBackoff:    50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommitInterval <= 0 {
		c.CommitInterval = d.CommitInterval
	}
	if c.CommitBytes <= 0 {
		c.CommitBytes = d.CommitBytes
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.StorageRetries <= 0 {
		c.StorageRetries = d.StorageRetries
	}
	if c.StorageBackoff <= 0 {
		c.StorageBackoff = d.StorageBackoff
	}
	return c
}

// Input is a user turn.
type Input struct {
	Text   string
	Images []llm.Image
}

// Receipt identifies the messages a turn created or reused.
type Receipt struct {
	ConversationID     string
	UserMessageID      string // empty for regeneration; the edited message for Edit
	AssistantMessageID string
}

// Orchestrator owns at most one running turn per conversation.
type Orchestrator struct {
	store    Store
	resolver Resolver
	events   Publisher
	usage    UsageRecorder
	cfg      Config

	mu     sync.Mutex
	active map[string]*turn
	wg     sync.WaitGroup
}

func New(st Store, resolver Resolver, events Publisher, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    st,
		resolver: resolver,
		events:   events,
		cfg:      cfg.withDefaults(),
		active:   make(map[string]*turn),
	}
}

// SetUsageRecorder enables the per-turn usage log.
func (o *Orchestrator) SetUsageRecorder(u UsageRecorder) {
	o.usage = u
}

type turn struct {
	conversationID string
	messageID      string
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
}

// reserve claims the conversation slot. It is released by the turn's
// goroutine, or by the caller if the turn never starts.
func (o *Orchestrator) reserve(conversationID string) (*turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[conversationID]; busy {
		return nil, llm.NewError(llm.TurnInProgress, "conversation "+store.ShortID(conversationID), nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &turn{conversationID: conversationID, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	o.active[conversationID] = t
	return t, nil
}

func (o *Orchestrator) release(t *turn) {
	o.mu.Lock()
	if o.active[t.conversationID] == t {
		delete(o.active, t.conversationID)
	}
	o.mu.Unlock()
	t.cancel()
	close(t.done)
}

// Send validates and persists a user turn, then streams the reply in the
// background. Validation failures leave no rows behind.
func (o *Orchestrator) Send(ctx context.Context, conversationID string, in Input) (*Receipt, error) {
	if strings.TrimSpace(in.Text) == "" && len(in.Images) == 0 {
		return nil, ErrEmptyMessage
	}
	t, err := o.reserve(conversationID)
	if err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			o.release(t)
		}
	}()

	conv, acct, err := o.lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history, err := o.store.LoadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(in.Images) > 0 || historyHasImages(history) {
		if err := checkImages(acct.Kind); err != nil {
			return nil, err
		}
	}
	provider, err := o.resolver.Resolve(ctx, acct.LLM())
	if err != nil {
		return nil, err
	}

	user := &store.Message{
		Role:        llm.RoleUser,
		Content:     in.Text,
		Status:      store.StatusComplete,
		Attachments: toAttachments(in.Images),
	}
	assistant := &store.Message{Role: llm.RoleAssistant, Status: store.StatusStreaming, Model: acct.Model}
	if err := o.store.AppendTurn(ctx, conversationID, user, assistant); err != nil {
		return nil, llm.NewError(llm.StorageFailure, "save turn", err)
	}

	if conv.Title == "" {
		title := store.TitleFromText(in.Text)
		if err := o.store.RenameConversation(ctx, conversationID, title); err != nil {
			slog.Warn("failed to set conversation title", "conversation_id", conversationID, "error", err)
		}
	}

	req := o.buildRequest(conv, acct, append(history, *user))
	t.messageID = assistant.ID
	o.events.Publish(bus.Event{Kind: bus.MessageStarted, ConversationID: conversationID, MessageID: assistant.ID})
	o.events.Publish(bus.Event{Kind: bus.ConversationUpdated, ConversationID: conversationID})

	started = true
	o.start(t, provider, req, acct)
	return &Receipt{ConversationID: conversationID, UserMessageID: user.ID, AssistantMessageID: assistant.ID}, nil
}

// Regenerate replaces the reply in an existing assistant message. History
// is the active messages before it; messages after it are deactivated.
func (o *Orchestrator) Regenerate(ctx context.Context, messageID string) (*Receipt, error) {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != llm.RoleAssistant || !msg.Active {
		return nil, ErrNotRegenerable
	}
	t, err := o.reserve(msg.ConversationID)
	if err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			o.release(t)
		}
	}()

	conv, acct, err := o.lookup(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	all, err := o.store.LoadConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	var history []store.Message
	for _, m := range all {
		if m.Sequence < msg.Sequence {
			history = append(history, m)
		}
	}
	if historyHasImages(history) {
		if err := checkImages(acct.Kind); err != nil {
			return nil, err
		}
	}
	provider, err := o.resolver.Resolve(ctx, acct.LLM())
	if err != nil {
		return nil, err
	}

	if err := o.store.BeginRegeneration(ctx, messageID, acct.Model); err != nil {
		return nil, llm.NewError(llm.StorageFailure, "reset message", err)
	}

	req := o.buildRequest(conv, acct, history)
	t.messageID = messageID
	o.events.Publish(bus.Event{Kind: bus.MessageStarted, ConversationID: msg.ConversationID, MessageID: messageID})
	o.events.Publish(bus.Event{Kind: bus.ConversationUpdated, ConversationID: msg.ConversationID})

	started = true
	o.start(t, provider, req, acct)
	return &Receipt{ConversationID: msg.ConversationID, AssistantMessageID: messageID}, nil
}

// Edit replaces the text of an active user message and asks for a new
// reply. Messages after it are deactivated, not deleted.
func (o *Orchestrator) Edit(ctx context.Context, messageID, text string) (*Receipt, error) {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != llm.RoleUser || !msg.Active {
		return nil, ErrNotEditable
	}
	t, err := o.reserve(msg.ConversationID)
	if err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			o.release(t)
		}
	}()

	conv, acct, err := o.lookup(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	all, err := o.store.LoadConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	var history []store.Message
	found := false
	for _, m := range all {
		if m.Sequence < msg.Sequence {
			history = append(history, m)
		} else if m.ID == messageID {
			if strings.TrimSpace(text) == "" && len(m.Attachments) == 0 {
				return nil, ErrEmptyMessage
			}
			m.Content = text
			history = append(history, m)
			found = true
		}
	}
	if !found {
		return nil, ErrNotEditable
	}
	if historyHasImages(history) {
		if err := checkImages(acct.Kind); err != nil {
			return nil, err
		}
	}
	provider, err := o.resolver.Resolve(ctx, acct.LLM())
	if err != nil {
		return nil, err
	}

	assistant := &store.Message{Role: llm.RoleAssistant, Status: store.StatusStreaming, Model: acct.Model}
	if err := o.store.BeginEdit(ctx, messageID, text, assistant); err != nil {
		return nil, llm.NewError(llm.StorageFailure, "save edit", err)
	}

	req := o.buildRequest(conv, acct, history)
	t.messageID = assistant.ID
	o.events.Publish(bus.Event{Kind: bus.MessageStarted, ConversationID: msg.ConversationID, MessageID: assistant.ID})
	o.events.Publish(bus.Event{Kind: bus.ConversationUpdated, ConversationID: msg.ConversationID})

	started = true
	o.start(t, provider, req, acct)
	return &Receipt{ConversationID: msg.ConversationID, UserMessageID: messageID, AssistantMessageID: assistant.ID}, nil
}

// lookup loads the conversation and its account.
func (o *Orchestrator) lookup(ctx context.Context, conversationID string) (*store.Conversation, *store.Account, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.AccountID == "" {
		return nil, nil, ErrNoAccount
	}
	acct, err := o.store.GetAccount(ctx, conv.AccountID)
	if err != nil {
		return nil, nil, err
	}
	return conv, acct, nil
}

// checkImages runs before the adapter is resolved. Unknown kinds pass here
// and fail in Resolve with UnknownProviderKind.
func checkImages(kind llm.Kind) error {
	parsed, ok := llm.ParseKind(string(kind))
	if !ok || llm.CapabilitiesFor(parsed).SupportsImages {
		return nil
	}
	return llm.NewError(llm.UnsupportedAttachment, fmt.Sprintf("%s accounts do not accept images", parsed), nil)
}

func historyHasImages(msgs []store.Message) bool {
	for _, m := range msgs {
		if len(m.Attachments) > 0 {
			return true
		}
	}
	return false
}

func toAttachments(images []llm.Image) []store.Attachment {
	if len(images) == 0 {
		return nil
	}
	out := make([]store.Attachment, len(images))
	for i, img := range images {
		out[i] = store.Attachment{MIMEType: img.MIMEType, Data: img.Data}
	}
	return out
}

func (o *Orchestrator) buildRequest(conv *store.Conversation, acct *store.Account, msgs []store.Message) llm.Request {
	system := conv.SystemPrompt
	if system == "" {
		system = o.cfg.DefaultSystemPrompt
	}
	turns := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		t := llm.Turn{Role: m.Role, Text: m.Content}
		for _, a := range m.Attachments {
			t.Images = append(t.Images, llm.Image{MIMEType: a.MIMEType, Data: a.Data})
		}
		turns = append(turns, t)
	}
	return llm.Request{
		Model:       acct.Model,
		System:      system,
		Turns:       turns,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
}

// Cancel stops the running turn of a conversation, keeping whatever was
// received. It reports whether a turn was running.
func (o *Orchestrator) Cancel(conversationID string) bool {
	o.mu.Lock()
	t := o.active[conversationID]
	o.mu.Unlock()
	if t == nil {
		return false
	}
	t.cancel()
	return true
}

// Active reports the streaming message of a conversation, if any.
func (o *Orchestrator) Active(conversationID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.active[conversationID]
	if !ok {
		return "", false
	}
	return t.messageID, true
}

// Wait blocks until the conversation has no running turn.
func (o *Orchestrator) Wait(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	t := o.active[conversationID]
	o.mu.Unlock()
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running turn and waits for them to finalize.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, t := range o.active {
		t.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) start(t *turn, p llm.Provider, req llm.Request, acct *store.Account) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(t)
		r := &runner{o: o, t: t, acct: acct, log: slog.With("conversation_id", t.conversationID, "message_id", t.messageID)}
		r.run(p, req)
	}()
}

// runner holds the state of one streaming turn. It is used by a single
// goroutine.
type runner struct {
	o    *Orchestrator
	t    *turn
	acct *store.Account
	log  *slog.Logger

	content strings.Builder
	pending int
	dirty   bool
	use     *llm.Usage
}

type received struct {
	ev  llm.Event
	err error
}

func (r *runner) run(p llm.Provider, req llm.Request) {
	cfg := r.o.cfg
	r.log.Debug("dispatching turn", "provider", p.Name(), "model", req.Model, "turns", len(req.Turns))

	var stream llm.Stream
	if cfg.Stream && llm.CapabilitiesFor(r.acct.Kind).SupportsStreaming {
		var err error
		stream, err = p.Stream(r.t.ctx, req)
		if err != nil {
			r.fail(err)
			return
		}
	} else {
		stream = llm.CompleteStream(r.t.ctx, p, req)
	}
	defer stream.Close()

	quit := make(chan struct{})
	defer close(quit)
	incoming := make(chan received)
	go func() {
		for {
			ev, err := stream.Recv()
			select {
			case incoming <- received{ev, err}:
			case <-quit:
				return
			}
			if err != nil || ev.Type == llm.EventDone || ev.Type == llm.EventError {
				return
			}
		}
	}()

	idle := time.NewTimer(cfg.InactivityTimeout)
	defer idle.Stop()
	tick := time.NewTicker(cfg.CommitInterval)
	defer tick.Stop()

	for {
		select {
		case <-r.t.ctx.Done():
			stream.Close()
			r.finish(store.StatusCancelled, nil)
			return

		case <-idle.C:
			stream.Close()
			r.finish(store.StatusFailed, llm.NewError(llm.Timeout,
				fmt.Sprintf("no data from provider for %s", cfg.InactivityTimeout), nil))
			return

		case <-tick.C:
			if r.dirty {
				if err := r.commit(); err != nil {
					stream.Close()
					r.finish(store.StatusFailed, llm.NewError(llm.StorageFailure, "save partial response", err))
					return
				}
			}

		case in := <-incoming:
			if r.t.ctx.Err() != nil {
				stream.Close()
				r.finish(store.StatusCancelled, nil)
				return
			}
			if in.err != nil {
				if errors.Is(in.err, io.EOF) {
					r.finish(store.StatusFailed, llm.NewError(llm.Network, "stream ended before completion", nil))
				} else {
					r.fail(in.err)
				}
				return
			}
			idle.Reset(cfg.InactivityTimeout)

			switch in.ev.Type {
			case llm.EventDelta:
				if in.ev.Text == "" {
					continue
				}
				r.content.WriteString(in.ev.Text)
				r.pending += len(in.ev.Text)
				r.dirty = true
				r.o.events.Publish(bus.Event{
					Kind:           bus.MessageDelta,
					ConversationID: r.t.conversationID,
					MessageID:      r.t.messageID,
					Text:           in.ev.Text,
				})
				if r.pending >= cfg.CommitBytes {
					if err := r.commit(); err != nil {
						stream.Close()
						r.finish(store.StatusFailed, llm.NewError(llm.StorageFailure, "save partial response", err))
						return
					}
				}
			case llm.EventUsage:
				if in.ev.Use != nil {
					use := *in.ev.Use
					r.use = &use
				}
			case llm.EventError:
				r.fail(in.ev.Err)
				return
			case llm.EventDone:
				r.finish(store.StatusComplete, nil)
				return
			}
		}
	}
}

// fail finalizes after a provider error. Cancellation wins over whatever
// error the closed stream produced.
func (r *runner) fail(err error) {
	if r.t.ctx.Err() != nil {
		r.finish(store.StatusCancelled, nil)
		return
	}
	r.finish(store.StatusFailed, llm.AsError(err))
}

// storageCtx is detached from the turn so cancelling a turn never aborts
// its own final writes.
func (r *runner) storageCtx() context.Context {
	return context.WithoutCancel(r.t.ctx)
}

func (r *runner) commit() error {
	cfg := r.o.cfg
	content := r.content.String()
	err := store.Retry(r.storageCtx(), cfg.StorageRetries, cfg.StorageBackoff, func(ctx context.Context) error {
		return r.o.store.UpdateMessageContent(ctx, r.t.messageID, content, store.StatusStreaming)
	})
	if err != nil {
		r.log.Warn("commit failed", "bytes", len(content), "error", err)
		return err
	}
	r.pending = 0
	r.dirty = false
	return nil
}

func (r *runner) finish(status store.Status, failure *llm.Error) {
	cfg := r.o.cfg
	ctx := r.storageCtx()
	final := store.Final{
		Content: r.content.String(),
		Status:  status,
		Usage:   r.use,
		Err:     failure,
	}
	err := store.Retry(ctx, cfg.StorageRetries, cfg.StorageBackoff, func(ctx context.Context) error {
		return r.o.store.FinalizeMessage(ctx, r.t.messageID, final)
	})
	if err != nil {
		r.log.Error("failed to finalize message", "status", status, "error", err)
		status = store.StatusFailed
		if failure == nil {
			failure = llm.NewError(llm.StorageFailure, "save final response", err)
		}
		// Keep the row in agreement with the published status.
		err = store.Retry(ctx, cfg.StorageRetries, cfg.StorageBackoff, func(ctx context.Context) error {
			return r.o.store.AbandonMessage(ctx, r.t.messageID, failure)
		})
		if err != nil {
			r.log.Error("failed to mark message failed", "error", err)
		}
	}

	attrs := []any{"status", status, "bytes", len(final.Content)}
	if failure != nil {
		attrs = append(attrs, "error_kind", failure.Kind, "reason", failure.Reason, "detail", failure.Detail)
		r.log.Warn("turn failed", attrs...)
	} else {
		r.log.Info("turn finished", attrs...)
	}

	if r.use != nil {
		if err := r.o.store.AddAccountUsage(ctx, r.acct.ID, *r.use); err != nil {
			r.log.Warn("failed to record account usage", "error", err)
		}
		if r.o.usage != nil {
			entry := usage.LogEntry{
				Timestamp:      time.Now(),
				ConversationID: r.t.conversationID,
				MessageID:      r.t.messageID,
				AccountID:      r.acct.ID,
				Provider:       string(r.acct.Kind),
				Model:          r.acct.Model,
				Status:         string(status),
				InputTokens:    r.use.InputTokens,
				OutputTokens:   r.use.OutputTokens,
			}
			if err := r.o.usage.Log(entry); err != nil {
				r.log.Warn("failed to write usage log", "error", err)
			}
		}
	}

	ev := bus.Event{
		Kind:           bus.MessageFinalized,
		ConversationID: r.t.conversationID,
		MessageID:      r.t.messageID,
		Status:         string(status),
	}
	if failure != nil {
		ev.ErrorKind = string(failure.Kind)
		ev.Reason = string(failure.Reason)
		ev.Detail = failure.Error()
	}
	r.o.events.Publish(ev)
	r.o.events.Publish(bus.Event{Kind: bus.ConversationUpdated, ConversationID: r.t.conversationID})
}
