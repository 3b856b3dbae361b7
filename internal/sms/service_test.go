package sms

import (
	"context"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/seangpt/chatstream/internal/ai"
	"github.com/seangpt/chatstream/internal/chat"
	"github.com/seangpt/chatstream/internal/models"
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

type memCursors struct {
	mu sync.Mutex
	m  map[string]Cursor
}

func newMemCursors() *memCursors { return &memCursors{m: make(map[string]Cursor)} }

func (c *memCursors) Get(_ context.Context, sid string) (*Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[sid]; ok {
		return &cur, nil
	}
	return nil, nil
}

func (c *memCursors) Put(_ context.Context, sid string, cur Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[sid] = cur
	return nil
}

func (c *memCursors) Delete(_ context.Context, sid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, sid)
	return nil
}

var testMessages = Messages{
	Welcome:         "welcome aboard",
	RequestReferral: "need a referral code",
	NoWhatsApp:      "no whatsapp",
	NoMMS:           "no mms",
	OptIn:           "reply YES",
}

func newTestService(t *testing.T, provider ai.StreamProvider) (*Service, *gorm.DB, *memCursors) {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &chat.AI{}, &chat.Chat{}, &chat.Message{}, &chat.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	repo := chat.NewRepo(db)
	streamer := stream.NewStreamer(memstate.New(), provider, stream.Options{Logger: zerolog.Nop()})
	chatSvc := chat.NewService(repo, streamer, 10)

	cursors := newMemCursors()
	svc := NewService(db, chatSvc, cursors, testMessages, "be helpful", "test-model", 160, zerolog.Nop())
	return svc, db, cursors
}

func incoming(sid, from, body string) IncomingMessage {
	return IncomingMessage{MessageSID: sid, From: from, To: "+15550000000", Body: body}
}

func singleMessage(t *testing.T, tw TwiML) string {
	t.Helper()
	if len(tw.Messages) != 1 {
		t.Fatalf("expected 1 message, got %v", tw.Messages)
	}
	return tw.Messages[0]
}

func TestHandleIncomingRejectsWhatsAppAndMMS(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptProvider{})

	tw, err := svc.HandleIncoming(context.Background(), incoming("SM1", "whatsapp:+1555", "hi"), "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if singleMessage(t, tw) != testMessages.NoWhatsApp {
		t.Fatalf("unexpected reply: %v", tw.Messages)
	}

	msg := incoming("SM2", "+15551234567", "hi")
	msg.NumMedia = 1
	tw, err = svc.HandleIncoming(context.Background(), msg, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if singleMessage(t, tw) != testMessages.NoMMS {
		t.Fatalf("unexpected reply: %v", tw.Messages)
	}
}

func TestHandleIncomingUnknownNumberAsksForReferral(t *testing.T) {
	svc, db, _ := newTestService(t, &scriptProvider{})

	tw, err := svc.HandleIncoming(context.Background(), incoming("SM1", "+15551234567", "hello?"), "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if singleMessage(t, tw) != testMessages.RequestReferral {
		t.Fatalf("unexpected reply: %v", tw.Messages)
	}

	var n int64
	if err := db.Model(&models.User{}).Count(&n).Error; err != nil {
		t.Fatalf("count users: %v", err)
	}
	if n != 0 {
		t.Fatalf("unknown sender must not be persisted, found %d users", n)
	}
}

func TestHandleIncomingReferralProvisionsUser(t *testing.T) {
	svc, db, _ := newTestService(t, &scriptProvider{})

	referrer := models.User{
		ID:           uuid.New(),
		Phone:        "+15550001111",
		ReferralCode: "REFCODE1",
	}
	if err := db.Create(&referrer).Error; err != nil {
		t.Fatalf("create referrer: %v", err)
	}

	tw, err := svc.HandleIncoming(context.Background(), incoming("SM1", "+15551234567", "REFCODE1"), "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	// First contact on a fresh chat: the welcome greeting.
	if singleMessage(t, tw) != testMessages.Welcome {
		t.Fatalf("unexpected reply: %v", tw.Messages)
	}

	var user models.User
	if err := db.Where("phone = ?", "+15551234567").First(&user).Error; err != nil {
		t.Fatalf("provisioned user missing: %v", err)
	}
	if !user.IsPhoneVerified || !user.OptedIntoSMS {
		t.Fatalf("provisioned user flags: verified=%v opted=%v", user.IsPhoneVerified, user.OptedIntoSMS)
	}
	if user.ReferrerUserID == nil || *user.ReferrerUserID != referrer.ID {
		t.Fatalf("referrer not recorded: %v", user.ReferrerUserID)
	}
	if user.TwilioChatID == nil {
		t.Fatalf("sms chat not provisioned")
	}
}

func TestHandleIncomingOptInGate(t *testing.T) {
	svc, db, _ := newTestService(t, &scriptProvider{})

	user := models.User{
		ID:              uuid.New(),
		Phone:           "+15551234567",
		IsPhoneVerified: true,
		OptedIntoSMS:    false,
		ReferralCode:    "SOMECODE",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	tw, err := svc.HandleIncoming(context.Background(), incoming("SM1", user.Phone, "hello"), "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if singleMessage(t, tw) != testMessages.OptIn {
		t.Fatalf("unexpected reply: %v", tw.Messages)
	}

	tw, err = svc.HandleIncoming(context.Background(), incoming("SM2", user.Phone, "YES"), "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if singleMessage(t, tw) != testMessages.Welcome {
		t.Fatalf("after opt-in expected welcome, got %v", tw.Messages)
	}

	if err := db.First(&user, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if !user.OptedIntoSMS {
		t.Fatalf("opt-in not persisted")
	}
}

func TestHandleIncomingPaginatedReplyWithRedirect(t *testing.T) {
	longReply := strings.Repeat("a", 200)
	prov := &scriptProvider{rounds: [][]ai.Chunk{{
		{Content: longReply},
		{FinishReason: "stop"},
	}}}
	svc, db, cursors := newTestService(t, prov)

	user := models.User{
		ID:              uuid.New(),
		Phone:           "+15551234567",
		IsPhoneVerified: true,
		OptedIntoSMS:    true,
		ReferralCode:    "SOMECODE",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	redirect := "https://example.com/twilio"

	// First contact just greets.
	tw, err := svc.HandleIncoming(context.Background(), incoming("SM1", user.Phone, "hi"), redirect)
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if singleMessage(t, tw) != testMessages.Welcome {
		t.Fatalf("unexpected greeting: %v", tw.Messages)
	}

	// Second message reaches the assistant; the 200-char reply spans two
	// units, so the first delivery sets a cursor and redirects.
	tw, err = svc.HandleIncoming(context.Background(), incoming("SM2", user.Phone, "tell me more"), redirect)
	if err != nil {
		t.Fatalf("assistant turn: %v", err)
	}
	wantFirst := strings.Repeat("a", 159) + Marker
	if singleMessage(t, tw) != wantFirst {
		t.Fatalf("first unit = %q", tw.Messages[0])
	}
	if tw.Redirect != redirect {
		t.Fatalf("redirect = %q, want %q", tw.Redirect, redirect)
	}
	cur, _ := cursors.Get(context.Background(), "SM2")
	if cur == nil || cur.Next != 1 {
		t.Fatalf("cursor = %+v, want next=1", cur)
	}

	// The provider re-POSTs the same message id; the final unit is delivered
	// and the cursor cleared.
	tw, err = svc.HandleIncoming(context.Background(), incoming("SM2", user.Phone, "tell me more"), redirect)
	if err != nil {
		t.Fatalf("redirect delivery: %v", err)
	}
	wantLast := Marker + strings.Repeat("a", 40)
	if singleMessage(t, tw) != wantLast {
		t.Fatalf("final unit = %q", tw.Messages[0])
	}
	if tw.Redirect != "" {
		t.Fatalf("final unit must not redirect, got %q", tw.Redirect)
	}
	cur, _ = cursors.Get(context.Background(), "SM2")
	if cur != nil {
		t.Fatalf("cursor should be cleared, got %+v", cur)
	}
}
