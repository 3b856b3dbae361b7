package sms

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/seangpt/chatstream/internal/ai"
	"github.com/seangpt/chatstream/internal/chat"
	"github.com/seangpt/chatstream/internal/models"
)

// CursorStore tracks redirect cursors per provider message id.
type CursorStore interface {
	Get(ctx context.Context, messageSID string) (*Cursor, error)
	Put(ctx context.Context, messageSID string, cur Cursor) error
	Delete(ctx context.Context, messageSID string) error
}

// Messages holds the operator-facing reply texts.
type Messages struct {
	Welcome         string
	RequestReferral string
	NoWhatsApp      string
	NoMMS           string
	OptIn           string
}

type Service struct {
	db       *gorm.DB
	chats    *chat.Service
	cursors  CursorStore
	msgs     Messages
	system   string
	maxChars int
	aiName   string
	log      zerolog.Logger
}

func NewService(db *gorm.DB, chats *chat.Service, cursors CursorStore, msgs Messages, systemMessage, assistantName string, maxChars int, log zerolog.Logger) *Service {
	return &Service{
		db:       db,
		chats:    chats,
		cursors:  cursors,
		msgs:     msgs,
		system:   systemMessage,
		maxChars: maxChars,
		aiName:   assistantName,
		log:      log,
	}
}

// HandleIncoming processes one webhook delivery and returns the TwiML reply.
// redirectURL is the webhook's own URL; the transport re-POSTs the same
// message id there when a reply has more units to deliver.
func (s *Service) HandleIncoming(ctx context.Context, msg IncomingMessage, redirectURL string) (TwiML, error) {
	if strings.HasPrefix(msg.From, "whatsapp:") {
		return Reply(s.msgs.NoWhatsApp, ""), nil
	}
	if msg.NumMedia > 0 {
		return Reply(s.msgs.NoMMS, ""), nil
	}

	// Redirect deliveries re-use the MessageSid; a cursor means the reply is
	// already generated and partially delivered.
	cur, err := s.cursors.Get(ctx, msg.MessageSID)
	if err != nil {
		return TwiML{}, err
	}
	if cur != nil {
		return s.deliverNextUnit(ctx, msg.MessageSID, *cur, redirectURL)
	}

	user, reply, err := s.getOrCreateUser(ctx, msg)
	if err != nil {
		return TwiML{}, err
	}
	if user == nil {
		return Reply(reply, ""), nil
	}

	if !user.OptedIntoSMS {
		if strings.EqualFold(strings.TrimSpace(msg.Body), "yes") {
			user.OptedIntoSMS = true
			if err := s.db.WithContext(ctx).Model(user).Update("opted_into_sms", true).Error; err != nil {
				return TwiML{}, err
			}
		} else {
			return Reply(s.msgs.OptIn, ""), nil
		}
	}

	chatID, err := s.ensureTwilioChat(ctx, user)
	if err != nil {
		return TwiML{}, err
	}

	count, err := s.chats.MessageCount(ctx, user.ID, chatID)
	if err != nil {
		return TwiML{}, err
	}
	if count == 0 {
		// First contact: greet, and persist the greeting so the conversation
		// has a well-defined start.
		if _, err := s.chats.AppendMessage(ctx, chatID, ai.RoleAssistant, s.msgs.Welcome); err != nil {
			return TwiML{}, err
		}
		return Reply(s.msgs.Welcome, ""), nil
	}

	window, err := s.chats.BuildPromptWindow(ctx, chatID, msg.Body, s.chats.WindowSize())
	if err != nil {
		return TwiML{}, err
	}
	prompt := append([]ai.Message{{Role: ai.RoleSystem, Content: s.system}}, window...)

	if _, err := s.chats.AppendMessage(ctx, chatID, ai.RoleUser, msg.Body); err != nil {
		return TwiML{}, err
	}

	res, assistantMsg, err := s.chats.RespondOnce(ctx, chatID, prompt, nil)
	if err != nil {
		return TwiML{}, err
	}
	if assistantMsg == nil {
		// Interrupted: a newer message owns the chat now. Deliver nothing.
		s.log.Info().Str("chat", chatID.String()).Msg("sms stream interrupted, dropping reply")
		return TwiML{}, nil
	}

	units, err := PaginateReply(res.Text, s.maxChars)
	if err != nil {
		return TwiML{}, err
	}
	if len(units) == 0 {
		return TwiML{}, nil
	}
	if units[0].HasMore {
		if err := s.cursors.Put(ctx, msg.MessageSID, Cursor{Reply: res.Text, Next: 1}); err != nil {
			return TwiML{}, err
		}
		return Reply(units[0].Text, redirectURL), nil
	}
	return Reply(units[0].Text, ""), nil
}

// deliverNextUnit re-paginates the stored reply (pagination is pure, so the
// units are identical on every delivery) and emits the unit the cursor
// points at.
func (s *Service) deliverNextUnit(ctx context.Context, messageSID string, cur Cursor, redirectURL string) (TwiML, error) {
	units, err := PaginateReply(cur.Reply, s.maxChars)
	if err != nil {
		return TwiML{}, err
	}
	if cur.Next >= len(units) {
		if err := s.cursors.Delete(ctx, messageSID); err != nil {
			return TwiML{}, err
		}
		return TwiML{}, nil
	}

	unit := units[cur.Next]
	if unit.HasMore {
		if err := s.cursors.Put(ctx, messageSID, Cursor{Reply: cur.Reply, Next: cur.Next + 1}); err != nil {
			return TwiML{}, err
		}
		return Reply(unit.Text, redirectURL), nil
	}
	if err := s.cursors.Delete(ctx, messageSID); err != nil {
		return TwiML{}, err
	}
	return Reply(unit.Text, ""), nil
}

// getOrCreateUser resolves the sender. Unknown numbers are admitted only when
// their first message body is a valid referral code; otherwise the referral
// request text is returned and nothing is written.
func (s *Service) getOrCreateUser(ctx context.Context, msg IncomingMessage) (*models.User, string, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("phone = ?", msg.From).First(&user).Error
	if err == nil {
		if !user.IsPhoneVerified {
			if err := s.db.WithContext(ctx).Model(&user).Update("is_phone_verified", true).Error; err != nil {
				return nil, "", err
			}
			user.IsPhoneVerified = true
		}
		return &user, "", nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}

	var referrer models.User
	err = s.db.WithContext(ctx).Where("referral_code = ?", strings.TrimSpace(msg.Body)).First(&referrer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, s.msgs.RequestReferral, nil
	}
	if err != nil {
		return nil, "", err
	}

	code, err := models.NewReferralCode()
	if err != nil {
		return nil, "", err
	}
	user = models.User{
		ID:              uuid.New(),
		Phone:           msg.From,
		PasswordHash:    "",
		IsPhoneVerified: true,
		OptedIntoSMS:    true,
		ReferralCode:    code,
		ReferrerUserID:  &referrer.ID,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, "", err
	}
	s.log.Info().Str("user", user.ID.String()).Msg("provisioned sms user from referral")
	return &user, "", nil
}

// ensureTwilioChat returns the user's SMS-only chat, provisioning it on first
// use.
func (s *Service) ensureTwilioChat(ctx context.Context, user *models.User) (uuid.UUID, error) {
	if user.TwilioChatID != nil {
		return *user.TwilioChatID, nil
	}
	c, err := s.chats.CreateChat(ctx, user.ID, "Phone Chat", s.aiName)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("twilio_chat_id", c.ID).Error; err != nil {
		return uuid.Nil, err
	}
	user.TwilioChatID = &c.ID
	return c.ID, nil
}
