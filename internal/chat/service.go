package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/seangpt/chatstream/internal/ai"
	"github.com/seangpt/chatstream/internal/stream"
)

// Validation errors, rejected before any store mutation.
var (
	ErrInvalidRole   = errors.New("chat: role must be user or assistant")
	ErrEmptyContent  = errors.New("chat: content must not be empty")
	ErrInvalidWindow = errors.New("chat: window size must be at least 1")
)

type Service struct {
	repo       *Repo
	streamer   *stream.Streamer
	windowSize int
}

func NewService(repo *Repo, streamer *stream.Streamer, windowSize int) *Service {
	if windowSize <= 0 || windowSize > 100 {
		windowSize = 10
	}
	return &Service{repo: repo, streamer: streamer, windowSize: windowSize}
}

func (s *Service) WindowSize() int { return s.windowSize }

func (s *Service) CreateChat(ctx context.Context, userID uuid.UUID, name, assistantName string) (*Chat, error) {
	assistant, err := s.repo.GetOrCreateAI(ctx, assistantName)
	if err != nil {
		return nil, err
	}
	chat := &Chat{
		ID:          uuid.New(),
		UserID:      userID,
		AssistantID: assistant.ID,
		Name:        name,
	}
	if err := s.repo.CreateChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// GetOwnedChat resolves a chat for the requesting user. A chat owned by
// someone else reads as not found; existence is never revealed.
func (s *Service) GetOwnedChat(ctx context.Context, userID, chatID uuid.UUID) (*Chat, error) {
	chat, err := s.repo.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return chat, nil
}

func (s *Service) ListChats(ctx context.Context, userID uuid.UUID) ([]Chat, error) {
	return s.repo.ListChatsByUser(ctx, userID)
}

func (s *Service) RenameChat(ctx context.Context, userID, chatID uuid.UUID, name string) error {
	if _, err := s.GetOwnedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.repo.RenameChat(ctx, chatID, name)
}

func (s *Service) DeleteChat(ctx context.Context, userID, chatID uuid.UUID) error {
	if _, err := s.GetOwnedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.repo.DeleteChat(ctx, chatID)
}

// AppendMessage assigns the next contiguous chat_index and persists the
// message. It never touches the responding flag.
func (s *Service) AppendMessage(ctx context.Context, chatID uuid.UUID, role, content string) (*Message, error) {
	if role != ai.RoleUser && role != ai.RoleAssistant {
		return nil, ErrInvalidRole
	}
	if content == "" && role == ai.RoleUser {
		return nil, ErrEmptyContent
	}
	count, err := s.repo.CountMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:        uuid.New(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		ChatIndex: int(count),
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// BuildPromptWindow returns the most recent windowSize-1 persisted messages
// in ascending order plus the not-yet-persisted user message as the final
// entry. Total length is exactly min(windowSize, persisted+1); a short
// history is never padded.
func (s *Service) BuildPromptWindow(ctx context.Context, chatID uuid.UUID, newUserContent string, windowSize int) ([]ai.Message, error) {
	if windowSize < 1 {
		return nil, ErrInvalidWindow
	}
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, chatID, windowSize-1)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(recentDesc)+1)
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	out = append(out, ai.Message{Role: ai.RoleUser, Content: newUserContent})
	return out, nil
}

func (s *Service) MessageCount(ctx context.Context, userID, chatID uuid.UUID) (int64, error) {
	if _, err := s.GetOwnedChat(ctx, userID, chatID); err != nil {
		return 0, err
	}
	return s.repo.CountMessages(ctx, chatID)
}

func (s *Service) GetMessage(ctx context.Context, userID, chatID uuid.UUID, chatIndex int) (*Message, error) {
	if _, err := s.GetOwnedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	if chatIndex < 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return s.repo.GetMessageByIndex(ctx, chatID, chatIndex)
}

// NextMessageStream submits a user message and streams the assistant's reply.
// The window is built before the user message is persisted, then the message
// is inserted, so chat_index order matches submission order. The assistant
// message is persisted only when the stream completes without interruption.
func (s *Service) NextMessageStream(ctx context.Context, userID, chatID uuid.UUID, content string) (chunks <-chan string, done <-chan struct{}, assistantMsgID <-chan uuid.UUID, errs <-chan error) {
	outChunks := make(chan string, 16)
	outDone := make(chan struct{})
	outMsgID := make(chan uuid.UUID, 1)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outChunks)
		defer close(outDone)
		defer close(outMsgID)
		defer close(outErrs)

		if content == "" {
			outErrs <- ErrEmptyContent
			return
		}

		chat, err := s.GetOwnedChat(ctx, userID, chatID)
		if err != nil {
			outErrs <- err
			return
		}

		window, err := s.BuildPromptWindow(ctx, chat.ID, content, s.windowSize)
		if err != nil {
			outErrs <- err
			return
		}

		if _, err := s.AppendMessage(ctx, chat.ID, ai.RoleUser, content); err != nil {
			outErrs <- err
			return
		}

		res, err := s.streamer.Run(ctx, chat.ID, window, func(delta string) {
			select {
			case outChunks <- delta:
			case <-ctx.Done():
			}
		})
		if err != nil {
			outErrs <- err
			return
		}

		// Interruption is a normal terminal outcome: nothing persisted, the
		// transport just closes.
		if res.Outcome == stream.OutcomeInterrupted {
			return
		}

		assistantMsg, err := s.AppendMessage(ctx, chat.ID, ai.RoleAssistant, res.Text)
		if err != nil {
			outErrs <- err
			return
		}
		outMsgID <- assistantMsg.ID
	}()

	return outChunks, outDone, outMsgID, outErrs
}

// RespondOnce runs one interrupt-aware stream session over the already
// persisted history and persists the assistant reply on completion. Used by
// the worker and the SMS adapter, which have no live chunk transport.
func (s *Service) RespondOnce(ctx context.Context, chatID uuid.UUID, prompt []ai.Message, onChunk func(string)) (*stream.Result, *Message, error) {
	res, err := s.streamer.Run(ctx, chatID, prompt, onChunk)
	if err != nil {
		return nil, nil, err
	}
	if res.Outcome == stream.OutcomeInterrupted {
		return &res, nil, nil
	}
	m, err := s.AppendMessage(ctx, chatID, ai.RoleAssistant, res.Text)
	if err != nil {
		return nil, nil, err
	}
	return &res, m, nil
}

// GenerateAssistantReply drives a queued generation for the worker: the user
// message was persisted at enqueue time, so the prompt is just the recent
// window.
func (s *Service) GenerateAssistantReply(ctx context.Context, userID, chatID uuid.UUID) (*stream.Result, *Message, error) {
	chat, err := s.GetOwnedChat(ctx, userID, chatID)
	if err != nil {
		return nil, nil, err
	}
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, chat.ID, s.windowSize)
	if err != nil {
		return nil, nil, err
	}
	prompt := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		prompt = append(prompt, ai.Message{Role: m.Role, Content: m.Content})
	}
	return s.RespondOnce(ctx, chat.ID, prompt, nil)
}

// InsertUserMessage validates ownership and appends a user message; used by
// the async generate path before enqueueing a job.
func (s *Service) InsertUserMessage(ctx context.Context, userID, chatID uuid.UUID, content string) (*Message, error) {
	if _, err := s.GetOwnedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.AppendMessage(ctx, chatID, ai.RoleUser, content)
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}
