// Package stream owns the lifecycle of one outbound streamed completion call
// and its interruption.
//
// At most one stream session per chat may clear the responding flag. A newer
// submission interrupts the older session and takes over the flag; the older
// session exits without touching it.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seangpt/chatstream/internal/ai"
	"github.com/seangpt/chatstream/internal/common"
)

type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeInterrupted
)

func (o Outcome) String() string {
	if o == OutcomeInterrupted {
		return "interrupted"
	}
	return "completed"
}

// Result is the terminal state of one stream session. Interrupted carries
// whatever partial text was already forwarded; it is never persisted.
type Result struct {
	Outcome Outcome
	Text    string
}

// ErrProvider marks LLM provider failures. Partial output already forwarded
// stands; no assistant message is persisted.
var ErrProvider = errors.New("stream: provider failure")

type Streamer struct {
	state    State
	provider ai.StreamProvider
	tools    []ai.ToolDef
	runner   ai.ToolRunner
	steering string
	log      zerolog.Logger
}

type Options struct {
	// Tools advertised to the provider; nil disables tool rounds.
	Tools  []ai.ToolDef
	Runner ai.ToolRunner
	// SteeringMessage is appended as a system message after tool results.
	SteeringMessage string
	Logger          zerolog.Logger
}

func NewStreamer(state State, provider ai.StreamProvider, opts Options) *Streamer {
	return &Streamer{
		state:    state,
		provider: provider,
		tools:    opts.Tools,
		runner:   opts.Runner,
		steering: opts.SteeringMessage,
		log:      opts.Logger,
	}
}

// Run drives one stream session for the chat.
//
// Order matters twice over. Any interrupt we publish goes out before our own
// subscription exists, so it can only reach the prior session and never loops
// back to us. And we subscribe before MarkResponding, so every session that
// reads the flag we set has a live subscriber to deliver its interrupt to.
func (s *Streamer) Run(ctx context.Context, chatID uuid.UUID, prompt []ai.Message, onChunk func(string)) (Result, error) {
	sessionID, err := common.NewULID()
	if err != nil {
		return Result{}, err
	}
	log := s.log.With().Str("session", sessionID).Str("chat", chatID.String()).Logger()

	responding, err := s.state.IsResponding(ctx, chatID)
	if err != nil {
		return Result{}, fmt.Errorf("session state store: %w", err)
	}
	if responding {
		log.Debug().Msg("chat busy, interrupting prior stream")
		if err := s.state.PublishInterrupt(ctx, chatID); err != nil {
			return Result{}, fmt.Errorf("session state store: %w", err)
		}
	}

	sub, err := s.state.Subscribe(ctx, chatID)
	if err != nil {
		return Result{}, fmt.Errorf("session state store: %w", err)
	}
	defer sub.Close()

	if err := s.state.MarkResponding(ctx, chatID); err != nil {
		return Result{}, fmt.Errorf("session state store: %w", err)
	}

	msgs := append([]ai.Message(nil), prompt...)

	var full strings.Builder
	for {
		finish, interrupted, calls, err := s.streamRound(ctx, sub, msgs, &full, onChunk)
		if err != nil {
			// Flag left as-is: the next submission interrupts and takes over.
			return Result{}, err
		}
		if interrupted {
			log.Info().Int("partial_len", full.Len()).Msg("stream interrupted")
			return Result{Outcome: OutcomeInterrupted, Text: full.String()}, nil
		}

		if finish == "tool_calls" && len(calls) > 0 && s.runner != nil {
			extra, err := s.runTools(ctx, calls)
			if err != nil {
				return Result{}, err
			}
			msgs = append(msgs, extra...)
			msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: s.steering})
			// Same stream session, next provider round.
			continue
		}

		if err := s.state.ClearResponding(ctx, chatID); err != nil {
			return Result{}, fmt.Errorf("session state store: %w", err)
		}
		log.Debug().Int("len", full.Len()).Msg("stream completed")
		return Result{Outcome: OutcomeCompleted, Text: full.String()}, nil
	}
}

type toolCall struct {
	id   string
	name string
	args strings.Builder
}

// streamRound consumes one provider call. It returns the finish reason, an
// interrupted marker, and accumulated tool calls in index order.
func (s *Streamer) streamRound(
	ctx context.Context,
	sub Subscription,
	msgs []ai.Message,
	full *strings.Builder,
	onChunk func(string),
) (finish string, interrupted bool, calls []*toolCall, err error) {
	chunks, errs := s.provider.StreamChat(ctx, msgs, s.tools)

	byIndex := make(map[int]*toolCall)

	for chunks != nil {
		select {
		case <-sub.Interrupts():
			return "", true, nil, nil

		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			// An interrupt pending alongside a delivered chunk wins: stop
			// before forwarding anything more.
			select {
			case <-sub.Interrupts():
				return "", true, nil, nil
			default:
			}
			if c.Content != "" {
				full.WriteString(c.Content)
				if onChunk != nil {
					onChunk(c.Content)
				}
			}
			for _, tc := range c.ToolCalls {
				call, ok := byIndex[tc.Index]
				if !ok {
					call = &toolCall{}
					byIndex[tc.Index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Name != "" {
					call.name = tc.Name
				}
				call.args.WriteString(tc.Arguments)
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}

		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if e != nil {
				return "", false, nil, fmt.Errorf("%w: %v", ErrProvider, e)
			}

		case <-ctx.Done():
			return "", false, nil, ctx.Err()
		}
	}

	// Provider goroutine may have reported a failure right before closing.
	if errs != nil {
		select {
		case e := <-errs:
			if e != nil {
				return "", false, nil, fmt.Errorf("%w: %v", ErrProvider, e)
			}
		default:
		}
	}

	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		calls = append(calls, byIndex[i])
	}
	return finish, false, calls, nil
}

// runTools executes accumulated tool calls synchronously, in index order, and
// returns their results as system messages for the next provider round.
func (s *Streamer) runTools(ctx context.Context, calls []*toolCall) ([]ai.Message, error) {
	out := make([]ai.Message, 0, len(calls))
	for _, call := range calls {
		if call.name == "" {
			continue
		}
		result, err := s.runner.RunTool(ctx, call.name, call.args.String())
		if err != nil {
			return nil, fmt.Errorf("%w: tool %s: %v", ErrProvider, call.name, err)
		}
		out = append(out, ai.Message{Role: ai.RoleSystem, Content: result})
	}
	return out, nil
}
