package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/seangpt/chatstream/internal/ai"
	"github.com/seangpt/chatstream/internal/chat"
	"github.com/seangpt/chatstream/internal/config"
	"github.com/seangpt/chatstream/internal/db"
	"github.com/seangpt/chatstream/internal/logger"
	"github.com/seangpt/chatstream/internal/store/memstate"
	"github.com/seangpt/chatstream/internal/store/rabbitmq"
	"github.com/seangpt/chatstream/internal/store/redisstate"
	"github.com/seangpt/chatstream/internal/stream"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

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

	streamer := stream.NewStreamer(state, provider, stream.Options{
		SteeringMessage: cfg.ToolSteeringMessage,
		Logger:          log,
	})
	svc := chat.NewService(repo, streamer, cfg.ChatHistoryLength)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("queue declare")
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With().Int("worker", workerID).Logger()
			for d := range jobs {
				var m rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					wlog.Error().Err(err).Msg("bad message")
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, wlog, svc, repo, m.JobID); err != nil {
					wlog.Error().Err(err).Str("job", m.JobID).Dur("cost", time.Since(start)).Msg("job failed")
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					wlog.Error().Err(err).Str("job", m.JobID).Msg("ack failed")
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, log zerolog.Logger, svc *chat.Service, repo *chat.Repo, jobID string) error {
	if err := repo.UpdateJobStatusRunning(ctx, jobID); err != nil {
		return err
	}

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	res, assistantMsg, err := svc.GenerateAssistantReply(ctx, j.UserID, j.ChatID)
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	// Interrupted by a newer submission: nothing was persisted and the newer
	// session now owns the chat. The job is terminal, not retryable.
	if assistantMsg == nil {
		log.Info().Str("job", jobID).Str("outcome", res.Outcome.String()).Msg("generation interrupted")
		return repo.MarkJobFailed(ctx, jobID, "interrupted")
	}

	return repo.MarkJobSucceeded(ctx, jobID, assistantMsg.ID)
}
