package handlers

import (
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/seangpt/chatstream/internal/chat"
	"github.com/seangpt/chatstream/internal/config"
	"github.com/seangpt/chatstream/internal/sms"
	"github.com/seangpt/chatstream/internal/store/rabbitmq"
)

// Handler carries the request-scope collaborators. Everything is constructed
// in cmd/server and injected; handlers never build their own clients.
type Handler struct {
	DB        *gorm.DB
	Cfg       config.Config
	ChatSvc   *chat.Service
	SMSSvc    *sms.Service
	Validator sms.Validator
	Sender    sms.Sender
	Rabbit    *rabbitmq.Publisher
	Log       zerolog.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, chatSvc *chat.Service, smsSvc *sms.Service, validator sms.Validator, sender sms.Sender, rabbit *rabbitmq.Publisher, log zerolog.Logger) *Handler {
	return &Handler{
		DB:        db,
		Cfg:       cfg,
		ChatSvc:   chatSvc,
		SMSSvc:    smsSvc,
		Validator: validator,
		Sender:    sender,
		Rabbit:    rabbit,
		Log:       log,
	}
}
