package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/seangpt/chatstream/internal/ai"
	"github.com/seangpt/chatstream/internal/chat"
	"github.com/seangpt/chatstream/internal/config"
	"github.com/seangpt/chatstream/internal/db"
	"github.com/seangpt/chatstream/internal/httpapi"
	"github.com/seangpt/chatstream/internal/httpapi/handlers"
	"github.com/seangpt/chatstream/internal/logger"
	"github.com/seangpt/chatstream/internal/sms"
	"github.com/seangpt/chatstream/internal/store/memstate"
	"github.com/seangpt/chatstream/internal/store/rabbitmq"
	"github.com/seangpt/chatstream/internal/store/redisstate"
	"github.com/seangpt/chatstream/internal/stream"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.FromEnv()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer func() { _ = db.Close(gdb) }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	repo := chat.NewRepo(gdb)

	var state stream.State
	switch cfg.StateStore {
	case "memory":
		state = memstate.New()
	default:
		state = redisstate.New(rdb, repo)
	}

	// Provider registry (route by configured provider + model)
	reg := ai.NewRegistry()
	reg.Register("openai", func(ctx context.Context, model string) (ai.StreamProvider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, m), nil
	})

	provider, err := reg.Get(context.Background(), cfg.AIProvider, cfg.OpenAIModel)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.AIProvider).Msg("unsupported AI provider")
	}

	runner := ai.NewFuncRunner()
	runner.Register("current_time", func(ctx context.Context, arguments string) (string, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})
	toolDefs := []ai.ToolDef{
		{
			Name:        "current_time",
			Description: "Get the current UTC time in RFC 3339 format.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}

	streamer := stream.NewStreamer(state, provider, stream.Options{
		Tools:           toolDefs,
		Runner:          runner,
		SteeringMessage: cfg.ToolSteeringMessage,
		Logger:          log,
	})

	chatSvc := chat.NewService(repo, streamer, cfg.ChatHistoryLength)

	cursors := sms.NewCursors(rdb)
	smsSvc := sms.NewService(gdb, chatSvc, cursors, sms.Messages{
		Welcome:         cfg.WelcomeMessage,
		RequestReferral: cfg.RequestReferralMessage,
		NoWhatsApp:      cfg.NoWhatsAppMessage,
		NoMMS:           cfg.NoMMSMessage,
		OptIn:           cfg.SMSOptInMessage,
	}, cfg.AISystemMessage, cfg.OpenAIModel, cfg.MaxSMSCharacters, log)

	var validator sms.Validator
	if cfg.TwilioAuthToken != "" {
		validator = sms.NewValidator(cfg.TwilioAuthToken)
	} else {
		log.Warn().Msg("TWILIO_AUTH_TOKEN unset, webhook signature validation disabled")
	}

	var sender sms.Sender
	if cfg.TwilioSID != "" && cfg.TwilioAuthToken != "" && cfg.TwilioPhoneNumber != "" {
		sender = sms.NewSender(cfg.TwilioSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber)
	} else {
		log.Warn().Msg("twilio credentials incomplete, outbound sms disabled")
	}

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit connect")
	}
	defer func() { _ = rabbit.Close() }()

	h := handlers.NewHandler(gdb, cfg, chatSvc, smsSvc, validator, sender, rabbit, log)
	r := httpapi.NewRouter(cfg, h)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
