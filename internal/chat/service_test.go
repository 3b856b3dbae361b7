package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/seangpt/chatstream/internal/ai"
	"github.com/seangpt/chatstream/internal/store/memstate"
	"github.com/seangpt/chatstream/internal/stream"
)

type scriptProvider struct {
	mu     sync.Mutex
	rounds [][]ai.Chunk
}

func (p *scriptProvider) StreamChat(_ context.Context, _ []ai.Message, _ []ai.ToolDef) (<-chan ai.Chunk, <-chan error) {
	p.mu.Lock()
	var round []ai.Chunk
	if len(p.rounds) > 0 {
		round = p.rounds[0]
		p.rounds = p.rounds[1:]
	}
	p.mu.Unlock()

	chunks := make(chan ai.Chunk, len(round))
	errs := make(chan error, 1)
	for _, c := range round {
		chunks <- c
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

type blockingProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProvider) StreamChat(ctx context.Context, _ []ai.Message, _ []ai.ToolDef) (<-chan ai.Chunk, <-chan error) {
	chunks := make(chan ai.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case chunks <- ai.Chunk{Content: "partial"}:
			close(p.started)
		case <-ctx.Done():
			return
		}
		select {
		case <-p.release:
		case <-ctx.Done():
		}
	}()
	return chunks, errs
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&AI{}, &Chat{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, state stream.State, provider ai.StreamProvider, windowSize int) (*Service, *Repo) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	streamer := stream.NewStreamer(state, provider, stream.Options{Logger: zerolog.Nop()})
	return NewService(repo, streamer, windowSize), repo
}

func mustCreateChat(t *testing.T, svc *Service, userID uuid.UUID) *Chat {
	t.Helper()
	c, err := svc.CreateChat(context.Background(), userID, "test chat", "test-model")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return c
}

func TestAppendMessageAssignsContiguousIndexes(t *testing.T) {
	svc, _ := newTestService(t, memstate.New(), &scriptProvider{}, 10)
	c := mustCreateChat(t, svc, uuid.New())

	contents := []string{"one", "two", "three"}
	for i, content := range contents {
		role := ai.RoleUser
		if i%2 == 1 {
			role = ai.RoleAssistant
		}
		m, err := svc.AppendMessage(context.Background(), c.ID, role, content)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.ChatIndex != i {
			t.Fatalf("message %d got chat_index %d", i, m.ChatIndex)
		}
	}
}

func TestAppendMessageValidation(t *testing.T) {
	svc, _ := newTestService(t, memstate.New(), &scriptProvider{}, 10)
	c := mustCreateChat(t, svc, uuid.New())

	if _, err := svc.AppendMessage(context.Background(), c.ID, "system", "x"); err != ErrInvalidRole {
		t.Fatalf("system role: err = %v, want ErrInvalidRole", err)
	}
	if _, err := svc.AppendMessage(context.Background(), c.ID, ai.RoleUser, ""); err != ErrEmptyContent {
		t.Fatalf("empty user content: err = %v, want ErrEmptyContent", err)
	}
	// An empty assistant message is legal (a model may finish without text).
	if _, err := svc.AppendMessage(context.Background(), c.ID, ai.RoleAssistant, ""); err != nil {
		t.Fatalf("empty assistant content: %v", err)
	}
}

func TestBuildPromptWindowEmptyHistory(t *testing.T) {
	svc, _ := newTestService(t, memstate.New(), &scriptProvider{}, 10)
	c := mustCreateChat(t, svc, uuid.New())

	window, err := svc.BuildPromptWindow(context.Background(), c.ID, "Hello", 10)
	if err != nil {
		t.Fatalf("build window: %v", err)
	}
	if len(window) != 1 {
		t.Fatalf("window length = %d, want 1", len(window))
	}
	if window[0].Role != ai.RoleUser || window[0].Content != "Hello" {
		t.Fatalf("unexpected window entry: %+v", window[0])
	}
}

func TestBuildPromptWindowTakesMostRecent(t *testing.T) {
	svc, _ := newTestService(t, memstate.New(), &scriptProvider{}, 10)
	c := mustCreateChat(t, svc, uuid.New())

	for i := 0; i < 10; i++ {
		role := ai.RoleUser
		if i%2 == 1 {
			role = ai.RoleAssistant
		}
		if _, err := svc.AppendMessage(context.Background(), c.ID, role, "msg"+string(rune('0'+i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	window, err := svc.BuildPromptWindow(context.Background(), c.ID, "new question", 5)
	if err != nil {
		t.Fatalf("build window: %v", err)
	}
	if len(window) != 5 {
		t.Fatalf("window length = %d, want 5", len(window))
	}
	// messages 6..9 then the new user message
	want := []string{"msg6", "msg7", "msg8", "msg9", "new question"}
	for i, w := range want {
		if window[i].Content != w {
			t.Fatalf("window[%d] = %q, want %q", i, window[i].Content, w)
		}
	}
	if window[4].Role != ai.RoleUser {
		t.Fatalf("final entry must be the new user message, got role %q", window[4].Role)
	}

	if _, err := svc.BuildPromptWindow(context.Background(), c.ID, "x", 0); err != ErrInvalidWindow {
		t.Fatalf("window 0: err = %v, want ErrInvalidWindow", err)
	}
}

func TestNextMessageStreamPersistsUserAndAssistant(t *testing.T) {
	prov := &scriptProvider{rounds: [][]ai.Chunk{{
		{Content: "Hel"},
		{Content: "lo"},
		{FinishReason: "stop"},
	}}}
	svc, repo := newTestService(t, memstate.New(), prov, 10)
	userID := uuid.New()
	c := mustCreateChat(t, svc, userID)

	chunks, done, msgID, errs := svc.NextMessageStream(context.Background(), userID, c.ID, "hi there")

	var text strings.Builder
	for d := range chunks {
		text.WriteString(d)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	<-done
	if text.String() != "Hello" {
		t.Fatalf("streamed text = %q", text.String())
	}

	mid := <-msgID
	if mid == uuid.Nil {
		t.Fatalf("expected assistant message id")
	}

	userMsg, err := repo.GetMessageByIndex(context.Background(), c.ID, 0)
	if err != nil {
		t.Fatalf("get user message: %v", err)
	}
	if userMsg.Role != ai.RoleUser || userMsg.Content != "hi there" {
		t.Fatalf("user message = %+v", userMsg)
	}
	assistantMsg, err := repo.GetMessageByIndex(context.Background(), c.ID, 1)
	if err != nil {
		t.Fatalf("get assistant message: %v", err)
	}
	if assistantMsg.Role != ai.RoleAssistant || assistantMsg.Content != "Hello" {
		t.Fatalf("assistant message = %+v", assistantMsg)
	}
	if assistantMsg.ID != mid {
		t.Fatalf("message id mismatch: %s vs %s", assistantMsg.ID, mid)
	}
}

func TestNextMessageStreamHidesForeignChat(t *testing.T) {
	svc, _ := newTestService(t, memstate.New(), &scriptProvider{}, 10)
	owner := uuid.New()
	c := mustCreateChat(t, svc, owner)

	chunks, done, _, errs := svc.NextMessageStream(context.Background(), uuid.New(), c.ID, "hi")
	for range chunks {
	}
	err := <-errs
	if err != gorm.ErrRecordNotFound {
		t.Fatalf("err = %v, want record not found", err)
	}
	<-done

	// Nothing persisted.
	n, cerr := svc.MessageCount(context.Background(), owner, c.ID)
	if cerr != nil {
		t.Fatalf("count: %v", cerr)
	}
	if n != 0 {
		t.Fatalf("message count = %d, want 0", n)
	}
}

func TestRespondOnceInterruptedPersistsNothing(t *testing.T) {
	state := memstate.New()
	prov := &blockingProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(prov.release)
	svc, _ := newTestService(t, state, prov, 10)
	userID := uuid.New()
	c := mustCreateChat(t, svc, userID)

	if _, err := svc.AppendMessage(context.Background(), c.ID, ai.RoleUser, "question"); err != nil {
		t.Fatalf("append: %v", err)
	}

	type outcome struct {
		res *stream.Result
		msg *Message
		err error
	}
	doneCh := make(chan outcome, 1)
	go func() {
		res, msg, err := svc.RespondOnce(context.Background(), c.ID,
			[]ai.Message{{Role: ai.RoleUser, Content: "question"}}, nil)
		doneCh <- outcome{res, msg, err}
	}()

	select {
	case <-prov.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream never started")
	}
	if err := state.PublishInterrupt(context.Background(), c.ID); err != nil {
		t.Fatalf("publish interrupt: %v", err)
	}

	var got outcome
	select {
	case got = <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("respond never returned")
	}
	if got.err != nil {
		t.Fatalf("respond: %v", got.err)
	}
	if got.res.Outcome != stream.OutcomeInterrupted {
		t.Fatalf("outcome = %v, want interrupted", got.res.Outcome)
	}
	if got.msg != nil {
		t.Fatalf("interrupted response must not be persisted, got %+v", got.msg)
	}

	n, err := svc.MessageCount(context.Background(), userID, c.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("message count = %d, want just the user message", n)
	}

	// Ownership of the flag moved to the (hypothetical) newer session; the
	// interrupted one leaves it set.
	responding, err := state.IsResponding(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("is responding: %v", err)
	}
	if !responding {
		t.Fatalf("interrupted session must not clear the flag")
	}
}

func TestGetMessageOwnership(t *testing.T) {
	svc, _ := newTestService(t, memstate.New(), &scriptProvider{}, 10)
	owner := uuid.New()
	c := mustCreateChat(t, svc, owner)
	if _, err := svc.AppendMessage(context.Background(), c.ID, ai.RoleUser, "hi"); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := svc.GetMessage(context.Background(), owner, c.ID, 0); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := svc.GetMessage(context.Background(), uuid.New(), c.ID, 0); err != gorm.ErrRecordNotFound {
		t.Fatalf("stranger get: err = %v, want record not found", err)
	}
	if _, err := svc.GetMessage(context.Background(), owner, c.ID, -1); err != gorm.ErrRecordNotFound {
		t.Fatalf("negative index: err = %v, want record not found", err)
	}
}

func TestCreateJobOrGetExistingIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, memstate.New(), &scriptProvider{}, 10)
	userID := uuid.New()
	c := mustCreateChat(t, svc, userID)

	key := "req-123"
	first := &Job{ID: "01JOBAAAAAAAAAAAAAAAAAAAA1", UserID: userID, ChatID: c.ID, Prompt: "p", IdempotencyKey: &key, Status: JobQueued}
	got, created, err := svc.CreateJobOrGetExisting(context.Background(), first)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created || got.ID != first.ID {
		t.Fatalf("first create: created=%v id=%s", created, got.ID)
	}

	dup := &Job{ID: "01JOBBBBBBBBBBBBBBBBBBBBB2", UserID: userID, ChatID: c.ID, Prompt: "p", IdempotencyKey: &key, Status: JobQueued}
	got2, created2, err := svc.CreateJobOrGetExisting(context.Background(), dup)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Fatalf("duplicate key must not create a new job")
	}
	if got2.ID != first.ID {
		t.Fatalf("duplicate key returned job %s, want %s", got2.ID, first.ID)
	}
}
