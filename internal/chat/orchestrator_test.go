package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/echochat/echochat/internal/bus"
	"github.com/echochat/echochat/internal/llm"
	"github.com/echochat/echochat/internal/secrets"
	"github.com/echochat/echochat/internal/store"
	"github.com/echochat/echochat/internal/usage"
)

type harness struct {
	st    *store.SQLiteStore
	sec   *secrets.MemoryStore
	bus   *bus.Bus
	mock  *llm.MockProvider
	reg   *llm.Registry
	orch  *Orchestrator
	acct  *store.Account
	conv  *store.Conversation
	usage *recordingUsage
}

type recordingUsage struct {
	mu      sync.Mutex
	entries []usage.LogEntry
}

func (r *recordingUsage) Log(e usage.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func newHarness(t *testing.T, kind llm.Kind, cfg Config) *harness {
	t.Helper()
	return newHarnessWithStore(t, kind, cfg, nil)
}

// newHarnessWithStore lets a test wrap the real store to inject faults.
func newHarnessWithStore(t *testing.T, kind llm.Kind, cfg Config, wrap func(*store.SQLiteStore) Store) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(store.Config{Path: filepath.Join(t.TempDir(), "echochat.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	acct := &store.Account{Kind: kind, Model: "test-model"}
	if err := st.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("create account: %v", err)
	}
	conv := &store.Conversation{AccountID: acct.ID}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	sec := secrets.NewMemoryStore()
	if err := sec.Set(ctx, acct.ID, "test-key"); err != nil {
		t.Fatal(err)
	}
	mock := llm.NewMockProvider("mock")
	reg := llm.NewRegistry(sec)
	reg.Register(kind, func(context.Context, llm.ProviderConfig) (llm.Provider, error) {
		return mock, nil
	})

	b := bus.New(bus.DefaultHistory)
	t.Cleanup(b.Close)

	var backing Store = st
	if wrap != nil {
		backing = wrap(st)
	}
	orch := New(backing, reg, b, cfg)
	rec := &recordingUsage{}
	orch.SetUsageRecorder(rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &harness{st: st, sec: sec, bus: b, mock: mock, reg: reg, orch: orch, acct: acct, conv: conv, usage: rec}
}

func (h *harness) wait(t *testing.T, conversationID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Wait(ctx, conversationID); err != nil {
		t.Fatalf("turn did not finish: %v", err)
	}
}

func (h *harness) message(t *testing.T, id string) *store.Message {
	t.Helper()
	m, err := h.st.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	return m
}

// collect reads events until the message is finalized.
func collect(t *testing.T, events <-chan bus.Event, messageID string) []bus.Event {
	t.Helper()
	var out []bus.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
			if ev.Kind == bus.MessageFinalized && ev.MessageID == messageID {
				return out
			}
		case <-timeout:
			t.Fatalf("no finalized event for %s; got %+v", messageID, out)
		}
	}
}

// waitForDeltas blocks until n delta events were published.
func waitForDeltas(t *testing.T, events <-chan bus.Event, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for n > 0 {
		select {
		case ev := <-events:
			if ev.Kind == bus.MessageDelta {
				n--
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d more deltas", n)
		}
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.CommitInterval = 10 * time.Millisecond
	cfg.StorageBackoff = time.Millisecond
	return cfg
}

func TestSendStreamsAndCompletes(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	h.mock.AddTurn(llm.MockTurn{Text: "Hello there, this is a reply.", Usage: llm.Usage{InputTokens: 5, OutputTokens: 3}})

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "hi there\nsecond line"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	got := collect(t, events, receipt.AssistantMessageID)
	h.wait(t, h.conv.ID)

	if got[0].Kind != bus.MessageStarted || got[0].MessageID != receipt.AssistantMessageID {
		t.Errorf("first event = %+v, want message_started", got[0])
	}
	var streamed strings.Builder
	for _, ev := range got {
		if ev.Kind == bus.MessageDelta {
			streamed.WriteString(ev.Text)
		}
	}
	if streamed.String() != "Hello there, this is a reply." {
		t.Errorf("streamed text = %q", streamed.String())
	}
	final := got[len(got)-1]
	if final.Status != string(store.StatusComplete) || final.ErrorKind != "" {
		t.Errorf("finalized event = %+v", final)
	}

	msg := h.message(t, receipt.AssistantMessageID)
	if msg.Status != store.StatusComplete || msg.Content != "Hello there, this is a reply." {
		t.Errorf("assistant row = %+v", msg)
	}
	if msg.InputTokens != 5 || msg.OutputTokens != 3 || msg.Model != "test-model" {
		t.Errorf("usage/model not recorded: %+v", msg)
	}
	user := h.message(t, receipt.UserMessageID)
	if user.Status != store.StatusComplete || user.Content != "hi there\nsecond line" {
		t.Errorf("user row = %+v", user)
	}

	conv, _ := h.st.GetConversation(context.Background(), h.conv.ID)
	if conv.Title != "hi there" {
		t.Errorf("title = %q, want first line of the message", conv.Title)
	}
	acct, _ := h.st.GetAccount(context.Background(), h.acct.ID)
	if acct.TotalTokensIn != 5 || acct.TotalTokensOut != 3 {
		t.Errorf("account totals = %d/%d", acct.TotalTokensIn, acct.TotalTokensOut)
	}
	if len(h.usage.entries) != 1 || h.usage.entries[0].Provider != "claude" {
		t.Errorf("usage log = %+v", h.usage.entries)
	}

	req := h.mock.LastRequest()
	if len(req.Turns) != 1 || req.Turns[0].Text != "hi there\nsecond line" || req.Model != "test-model" {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestSendIncludesHistoryAndSystemPrompt(t *testing.T) {
	cfg := fastConfig()
	cfg.DefaultSystemPrompt = "default prompt"
	h := newHarness(t, llm.KindClaude, cfg)
	h.mock.AddTextResponse("one").AddTextResponse("two")
	ctx := context.Background()

	if _, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "first"}); err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)
	if h.mock.LastRequest().System != "default prompt" {
		t.Errorf("system = %q, want default prompt", h.mock.LastRequest().System)
	}

	if err := h.st.SetSystemPrompt(ctx, h.conv.ID, "conversation prompt"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "second"}); err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	req := h.mock.LastRequest()
	if req.System != "conversation prompt" {
		t.Errorf("system = %q", req.System)
	}
	var roles []string
	for _, turn := range req.Turns {
		roles = append(roles, string(turn.Role)+":"+turn.Text)
	}
	if strings.Join(roles, ",") != "user:first,assistant:one,user:second" {
		t.Errorf("history = %v", roles)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	if _, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSendRejectsSecondTurn(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"working"}, Hang: true})
	ctx := context.Background()

	if _, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "one"}); err != nil {
		t.Fatal(err)
	}
	_, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "two"})
	if !errors.Is(err, llm.ErrTurnInProgress) {
		t.Fatalf("expected TurnInProgress, got %v", err)
	}

	h.orch.Cancel(h.conv.ID)
	h.wait(t, h.conv.ID)
	msgs, _ := h.st.LoadConversation(ctx, h.conv.ID)
	if len(msgs) != 2 {
		t.Errorf("rejected send must not add rows, got %d messages", len(msgs))
	}
}

func TestCancelKeepsPartialContent(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"par", "tial"}, Hang: true})

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}
	waitForDeltas(t, events, 2)

	if !h.orch.Cancel(h.conv.ID) {
		t.Fatal("expected Cancel to report a running turn")
	}
	h.wait(t, h.conv.ID)

	msg := h.message(t, receipt.AssistantMessageID)
	if msg.Status != store.StatusCancelled || msg.Content != "partial" {
		t.Errorf("cancelled row = %+v", msg)
	}
	if msg.ErrorKind != "" {
		t.Errorf("cancelled message should carry no error, got %q", msg.ErrorKind)
	}
	if h.orch.Cancel(h.conv.ID) {
		t.Error("Cancel on an idle conversation should be a no-op")
	}
	if _, active := h.orch.Active(h.conv.ID); active {
		t.Error("conversation should be idle after cancel")
	}
}

func TestSendRejectsImagesForLocalAccount(t *testing.T) {
	h := newHarness(t, llm.KindLocal, fastConfig())
	h.mock.AddTextResponse("never")

	_, err := h.orch.Send(context.Background(), h.conv.ID, Input{
		Text:   "what is this?",
		Images: []llm.Image{{MIMEType: "image/png", Data: []byte{1}}},
	})
	if !errors.Is(err, llm.ErrUnsupportedAttachment) {
		t.Fatalf("expected UnsupportedAttachment, got %v", err)
	}
	msgs, _ := h.st.LoadConversation(context.Background(), h.conv.ID)
	if len(msgs) != 0 {
		t.Errorf("no rows should be created, got %d", len(msgs))
	}
	if h.mock.RequestCount() != 0 {
		t.Error("provider must not be called")
	}
	if _, active := h.orch.Active(h.conv.ID); active {
		t.Error("failed validation must release the conversation")
	}
}

func TestSendPassesImagesToCapableProvider(t *testing.T) {
	h := newHarness(t, llm.KindGemini, fastConfig())
	h.mock.AddTextResponse("a cat")

	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{
		Text:   "what is this?",
		Images: []llm.Image{{MIMEType: "image/png", Data: []byte{1, 2}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	req := h.mock.LastRequest()
	if len(req.Turns) != 1 || len(req.Turns[0].Images) != 1 {
		t.Fatalf("image not forwarded: %+v", req.Turns)
	}
	msgs, _ := h.st.LoadConversation(context.Background(), h.conv.ID)
	if len(msgs[0].Attachments) != 1 || msgs[0].ID != receipt.UserMessageID {
		t.Errorf("attachment not stored: %+v", msgs[0])
	}
}

func TestSendMissingCredential(t *testing.T) {
	h := newHarness(t, llm.KindGemini, fastConfig())
	if err := h.sec.Delete(context.Background(), h.acct.ID); err != nil {
		t.Fatal(err)
	}

	_, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "hello"})
	if !errors.Is(err, llm.ErrMissingCredential) {
		t.Fatalf("expected MissingCredential, got %v", err)
	}
	msgs, _ := h.st.LoadConversation(context.Background(), h.conv.ID)
	if len(msgs) != 0 {
		t.Errorf("no rows should be created, got %d", len(msgs))
	}
}

func TestTurnFailures(t *testing.T) {
	tests := []struct {
		name        string
		turn        llm.MockTurn
		cfg         func(*Config)
		wantContent string
		wantKind    llm.ErrorKind
		wantReason  llm.RejectReason
	}{
		{
			name:        "mid-stream rejection keeps partial",
			turn:        llm.MockTurn{Chunks: []string{"Par"}, StreamErr: llm.Rejected(llm.ContentPolicy, "blocked", nil)},
			wantContent: "Par",
			wantKind:    llm.ProviderRejected,
			wantReason:  llm.ContentPolicy,
		},
		{
			name:        "dispatch auth failure",
			turn:        llm.MockTurn{DispatchErr: llm.FromStatus(401, "invalid x-api-key", nil)},
			wantContent: "",
			wantKind:    llm.ProviderRejected,
			wantReason:  llm.AuthFailed,
		},
		{
			name:        "premature end of stream",
			turn:        llm.MockTurn{Chunks: []string{"cut "}, Truncate: true},
			wantContent: "cut ",
			wantKind:    llm.Network,
		},
		{
			name:        "inactivity timeout",
			turn:        llm.MockTurn{Chunks: []string{"slow"}, Hang: true},
			cfg:         func(c *Config) { c.InactivityTimeout = 50 * time.Millisecond },
			wantContent: "slow",
			wantKind:    llm.Timeout,
		},
		{
			name:        "untyped error is network",
			turn:        llm.MockTurn{StreamErr: errors.New("connection reset by peer")},
			wantContent: "",
			wantKind:    llm.Network,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			h := newHarness(t, llm.KindClaude, cfg)
			h.mock.AddTurn(tt.turn)

			events, unsubscribe := h.bus.Subscribe()
			defer unsubscribe()

			receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "go"})
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			got := collect(t, events, receipt.AssistantMessageID)
			h.wait(t, h.conv.ID)

			msg := h.message(t, receipt.AssistantMessageID)
			if msg.Status != store.StatusFailed {
				t.Errorf("status = %s, want failed", msg.Status)
			}
			if msg.Content != tt.wantContent {
				t.Errorf("content = %q, want %q", msg.Content, tt.wantContent)
			}
			if msg.ErrorKind != tt.wantKind || msg.ErrorReason != tt.wantReason {
				t.Errorf("error = %s/%s, want %s/%s", msg.ErrorKind, msg.ErrorReason, tt.wantKind, tt.wantReason)
			}
			final := got[len(got)-1]
			if final.ErrorKind != string(tt.wantKind) || final.Detail == "" {
				t.Errorf("finalized event = %+v", final)
			}
		})
	}
}

func TestRegenerateReplacesContent(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	ctx := context.Background()
	h.mock.AddTextResponse("first answer").AddTextResponse("second answer")

	first, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "q1"})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)
	if _, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "q2"}); err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	gate := make(chan struct{})
	h.mock.AddTurn(llm.MockTurn{Text: "new answer", Gate: gate})

	receipt, err := h.orch.Regenerate(ctx, first.AssistantMessageID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if receipt.AssistantMessageID != first.AssistantMessageID {
		t.Errorf("regeneration must reuse the message row")
	}

	msg := h.message(t, first.AssistantMessageID)
	if msg.Status != store.StatusStreaming || msg.Content != "first answer" {
		t.Errorf("old content should stay visible until new data arrives, got %+v", msg)
	}
	msgs, _ := h.st.LoadConversation(ctx, h.conv.ID)
	if len(msgs) != 2 {
		t.Errorf("later messages should be deactivated, got %d active", len(msgs))
	}

	close(gate)
	h.wait(t, h.conv.ID)

	msg = h.message(t, first.AssistantMessageID)
	if msg.Status != store.StatusComplete || msg.Content != "new answer" {
		t.Errorf("regenerated row = %+v", msg)
	}
	req := h.mock.LastRequest()
	if len(req.Turns) != 1 || req.Turns[0].Text != "q1" {
		t.Errorf("history should end before the regenerated message: %+v", req.Turns)
	}
}

func TestRegenerateFailureLeavesFailed(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	ctx := context.Background()
	h.mock.AddTextResponse("original")
	first, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "q"})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	h.mock.AddTurn(llm.MockTurn{StreamErr: llm.FromStatus(429, "rate limit", nil)})
	if _, err := h.orch.Regenerate(ctx, first.AssistantMessageID); err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	msg := h.message(t, first.AssistantMessageID)
	if msg.Status != store.StatusFailed || msg.Content != "" || msg.ErrorReason != llm.RateLimited {
		t.Errorf("failed regeneration row = %+v", msg)
	}
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	h.mock.AddTextResponse("a")
	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "q"})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	if _, err := h.orch.Regenerate(context.Background(), receipt.UserMessageID); !errors.Is(err, ErrNotRegenerable) {
		t.Errorf("expected ErrNotRegenerable, got %v", err)
	}
	if _, err := h.orch.Regenerate(context.Background(), "missing"); !errors.Is(err, store.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

type failingCommits struct {
	*store.SQLiteStore
	calls atomic.Int32
}

func (f *failingCommits) UpdateMessageContent(context.Context, string, string, store.Status) error {
	f.calls.Add(1)
	return errors.New("disk I/O error")
}

func TestStorageFailureFailsTurn(t *testing.T) {
	cfg := fastConfig()
	cfg.CommitBytes = 1
	cfg.StorageRetries = 3
	var wrapper *failingCommits
	h := newHarnessWithStore(t, llm.KindClaude, cfg, func(st *store.SQLiteStore) Store {
		wrapper = &failingCommits{SQLiteStore: st}
		return wrapper
	})
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"abc"}, Hang: true})

	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	if got := wrapper.calls.Load(); got != 3 {
		t.Errorf("commit attempts = %d, want 3", got)
	}
	msg := h.message(t, receipt.AssistantMessageID)
	if msg.Status != store.StatusFailed || msg.ErrorKind != llm.StorageFailure {
		t.Errorf("row = %+v, want failed storage_failure", msg)
	}
	if msg.Content != "abc" {
		t.Errorf("final write should still carry received content, got %q", msg.Content)
	}
}

type countingCommits struct {
	*store.SQLiteStore
	calls atomic.Int32
}

func (c *countingCommits) UpdateMessageContent(ctx context.Context, id, content string, status store.Status) error {
	c.calls.Add(1)
	return c.SQLiteStore.UpdateMessageContent(ctx, id, content, status)
}

func TestCommitsAreBatchedBySize(t *testing.T) {
	cfg := fastConfig()
	cfg.CommitInterval = time.Hour
	cfg.CommitBytes = 64
	var counter *countingCommits
	h := newHarnessWithStore(t, llm.KindClaude, cfg, func(st *store.SQLiteStore) Store {
		counter = &countingCommits{SQLiteStore: st}
		return counter
	})
	chunks := make([]string, 20)
	for i := range chunks {
		chunks[i] = "0123456789"
	}
	h.mock.AddTurn(llm.MockTurn{Chunks: chunks})

	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	// 200 bytes with a 64 byte threshold commits at 70 and 140 bytes.
	if got := counter.calls.Load(); got != 2 {
		t.Errorf("intermediate commits = %d, want 2", got)
	}
	msg := h.message(t, receipt.AssistantMessageID)
	if len(msg.Content) != 200 || msg.Status != store.StatusComplete {
		t.Errorf("final row = %d bytes, %s", len(msg.Content), msg.Status)
	}
}

func TestCommitsOnInterval(t *testing.T) {
	cfg := fastConfig()
	cfg.CommitBytes = 1 << 20
	h := newHarness(t, llm.KindClaude, cfg)
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"visible"}, Hang: true})

	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msg := h.message(t, receipt.AssistantMessageID)
		if msg.Content == "visible" {
			if msg.Status != store.StatusStreaming {
				t.Errorf("status = %s, want streaming", msg.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial content was never committed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.orch.Cancel(h.conv.ID)
	h.wait(t, h.conv.ID)
}

func TestNonStreamingMode(t *testing.T) {
	cfg := fastConfig()
	cfg.Stream = false
	h := newHarness(t, llm.KindClaude, cfg)
	h.mock.AddTurn(llm.MockTurn{Text: "the whole reply at once", Usage: llm.Usage{InputTokens: 2, OutputTokens: 5}})

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events, receipt.AssistantMessageID)
	h.wait(t, h.conv.ID)

	deltas := 0
	for _, ev := range got {
		if ev.Kind == bus.MessageDelta {
			deltas++
		}
	}
	if deltas != 1 {
		t.Errorf("deltas = %d, want a single synthesized delta", deltas)
	}
	msg := h.message(t, receipt.AssistantMessageID)
	if msg.Content != "the whole reply at once" || msg.Status != store.StatusComplete || msg.OutputTokens != 5 {
		t.Errorf("row = %+v", msg)
	}
}

func TestConcurrentConversations(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	ctx := context.Background()

	other := &store.Conversation{AccountID: h.acct.ID}
	if err := h.st.CreateConversation(ctx, other); err != nil {
		t.Fatal(err)
	}
	h.mock.AddTurn(llm.MockTurn{Text: "same reply", Delay: 5 * time.Millisecond})
	h.mock.AddTurn(llm.MockTurn{Text: "same reply", Delay: 5 * time.Millisecond})

	a, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "one"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.orch.Send(ctx, other.ID, Input{Text: "two"})
	if err != nil {
		t.Fatalf("a different conversation must not be blocked: %v", err)
	}
	h.wait(t, h.conv.ID)
	h.wait(t, other.ID)

	for _, id := range []string{a.AssistantMessageID, b.AssistantMessageID} {
		msg := h.message(t, id)
		if msg.Status != store.StatusComplete || msg.Content != "same reply" {
			t.Errorf("row %s = %+v", id, msg)
		}
	}
}

func TestShutdownCancelsRunningTurns(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"x"}, Hang: true})

	receipt, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if msg := h.message(t, receipt.AssistantMessageID); msg.Status != store.StatusCancelled {
		t.Errorf("status = %s, want cancelled", msg.Status)
	}
}

func TestSendArchivedConversationWithoutAccount(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	if _, err := h.st.DeleteAccount(context.Background(), h.acct.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Send(context.Background(), h.conv.ID, Input{Text: "hi"}); !errors.Is(err, ErrNoAccount) {
		t.Errorf("expected ErrNoAccount, got %v", err)
	}
}

func TestSendUnknownProviderKind(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	ctx := context.Background()
	odd := &store.Account{Kind: llm.Kind("bedrock"), Model: "x"}
	if err := h.st.CreateAccount(ctx, odd); err != nil {
		t.Fatal(err)
	}
	conv := &store.Conversation{AccountID: odd.ID}
	if err := h.st.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	if _, err := h.orch.Send(ctx, conv.ID, Input{Text: "hi"}); !errors.Is(err, llm.ErrUnknownProviderKind) {
		t.Errorf("expected UnknownProviderKind, got %v", err)
	}
	msgs, _ := h.st.LoadConversation(ctx, conv.ID)
	if len(msgs) != 0 {
		t.Errorf("no rows should be created, got %d", len(msgs))
	}
}

type failingTurns struct {
	*store.SQLiteStore
	fail atomic.Bool
}

func (f *failingTurns) AppendTurn(ctx context.Context, conversationID string, user, assistant *store.Message) error {
	if f.fail.Load() {
		return errors.New("database is locked")
	}
	return f.SQLiteStore.AppendTurn(ctx, conversationID, user, assistant)
}

func TestSendStorageFailureLeavesNoRows(t *testing.T) {
	var wrapper *failingTurns
	h := newHarnessWithStore(t, llm.KindClaude, fastConfig(), func(st *store.SQLiteStore) Store {
		wrapper = &failingTurns{SQLiteStore: st}
		return wrapper
	})
	h.mock.AddTextResponse("hello")
	ctx := context.Background()

	wrapper.fail.Store(true)
	if _, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "hi"}); !errors.Is(err, llm.ErrStorageFailure) {
		t.Fatalf("expected StorageFailure, got %v", err)
	}
	if msgs, _ := h.st.LoadConversation(ctx, h.conv.ID); len(msgs) != 0 {
		t.Fatalf("failed send left %d messages", len(msgs))
	}
	if _, active := h.orch.Active(h.conv.ID); active {
		t.Fatal("failed send must release the conversation")
	}

	wrapper.fail.Store(false)
	if _, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "hi again"}); err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)
	req := h.mock.LastRequest()
	if len(req.Turns) != 1 || req.Turns[0].Text != "hi again" {
		t.Errorf("provider should see a single user turn, got %+v", req.Turns)
	}
}

type failingFinals struct {
	*store.SQLiteStore
	remaining atomic.Int32
}

func (f *failingFinals) FinalizeMessage(ctx context.Context, id string, final store.Final) error {
	if f.remaining.Add(-1) >= 0 {
		return errors.New("disk I/O error")
	}
	return f.SQLiteStore.FinalizeMessage(ctx, id, final)
}

func TestFinalWriteFailureMarksMessageFailed(t *testing.T) {
	cfg := fastConfig()
	cfg.CommitInterval = time.Hour
	cfg.CommitBytes = 1 << 20
	cfg.StorageRetries = 3
	var wrapper *failingFinals
	h := newHarnessWithStore(t, llm.KindClaude, cfg, func(st *store.SQLiteStore) Store {
		wrapper = &failingFinals{SQLiteStore: st}
		wrapper.remaining.Store(3)
		return wrapper
	})
	h.mock.AddTextResponse("first").AddTextResponse("second")
	ctx := context.Background()

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	first, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "one"})
	if err != nil {
		t.Fatal(err)
	}
	evs := collect(t, events, first.AssistantMessageID)
	h.wait(t, h.conv.ID)

	final := evs[len(evs)-1]
	if final.Status != string(store.StatusFailed) || final.ErrorKind != string(llm.StorageFailure) {
		t.Errorf("finalized event = %+v", final)
	}
	msg := h.message(t, first.AssistantMessageID)
	if msg.Status != store.StatusFailed || msg.ErrorKind != llm.StorageFailure {
		t.Errorf("row = %+v, want failed storage_failure", msg)
	}

	second, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "two"})
	if err != nil {
		t.Fatalf("next send should not be blocked by the failed row: %v", err)
	}
	h.wait(t, h.conv.ID)
	if got := h.message(t, second.AssistantMessageID); got.Status != store.StatusComplete || got.Content != "second" {
		t.Errorf("second reply = %+v", got)
	}
	msgs, _ := h.st.LoadConversation(ctx, h.conv.ID)
	if len(msgs) != 4 {
		t.Errorf("messages = %d, want 4", len(msgs))
	}
}

func TestSendChecksImagesBeforeResolving(t *testing.T) {
	h := newHarness(t, llm.KindLocal, fastConfig())
	var resolved atomic.Bool
	h.reg.Register(llm.KindLocal, func(context.Context, llm.ProviderConfig) (llm.Provider, error) {
		resolved.Store(true)
		return nil, llm.NewError(llm.MissingCredential, "local server key", nil)
	})

	_, err := h.orch.Send(context.Background(), h.conv.ID, Input{
		Text:   "what is this?",
		Images: []llm.Image{{MIMEType: "image/png", Data: []byte{1}}},
	})
	if !errors.Is(err, llm.ErrUnsupportedAttachment) {
		t.Fatalf("expected UnsupportedAttachment, got %v", err)
	}
	if resolved.Load() {
		t.Error("attachments should be checked before the adapter is built")
	}
}

func TestEditResendsFromMessage(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	ctx := context.Background()
	h.mock.AddTextResponse("a1").AddTextResponse("a2").AddTextResponse("a1 again")

	first, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "q1"})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)
	if _, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "q2"}); err != nil {
		t.Fatal(err)
	}
	h.wait(t, h.conv.ID)

	receipt, err := h.orch.Edit(ctx, first.UserMessageID, "q1, rephrased")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if receipt.UserMessageID != first.UserMessageID || receipt.AssistantMessageID == first.AssistantMessageID {
		t.Errorf("receipt = %+v", receipt)
	}
	h.wait(t, h.conv.ID)

	req := h.mock.LastRequest()
	if len(req.Turns) != 1 || req.Turns[0].Text != "q1, rephrased" {
		t.Errorf("history should end at the edited message: %+v", req.Turns)
	}
	msgs, _ := h.st.LoadConversation(ctx, h.conv.ID)
	if len(msgs) != 2 || msgs[0].Content != "q1, rephrased" || msgs[1].ID != receipt.AssistantMessageID {
		t.Fatalf("active messages = %+v", msgs)
	}
	if msgs[1].Content != "a1 again" || msgs[1].Status != store.StatusComplete {
		t.Errorf("reply = %+v", msgs[1])
	}
	if old := h.message(t, first.AssistantMessageID); old.Active {
		t.Error("the previous reply should be deactivated")
	}
}

func TestEditRejections(t *testing.T) {
	h := newHarness(t, llm.KindClaude, fastConfig())
	ctx := context.Background()
	h.mock.AddTurn(llm.MockTurn{Text: "slow", Gate: make(chan struct{})})

	receipt, err := h.orch.Send(ctx, h.conv.ID, Input{Text: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Edit(ctx, receipt.UserMessageID, "q2"); !errors.Is(err, llm.ErrTurnInProgress) {
		t.Errorf("expected TurnInProgress, got %v", err)
	}
	h.orch.Cancel(h.conv.ID)
	h.wait(t, h.conv.ID)

	if _, err := h.orch.Edit(ctx, receipt.AssistantMessageID, "x"); !errors.Is(err, ErrNotEditable) {
		t.Errorf("expected ErrNotEditable, got %v", err)
	}
	if _, err := h.orch.Edit(ctx, receipt.UserMessageID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := h.orch.Edit(ctx, "missing", "x"); !errors.Is(err, store.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
	if got := h.message(t, receipt.UserMessageID); got.Content != "q" {
		t.Errorf("rejected edits must not change the message, got %q", got.Content)
	}
}
