package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/seangpt/chatstream/internal/chat"
	"github.com/seangpt/chatstream/internal/common"
	"github.com/seangpt/chatstream/internal/stream"
)

func chatIDFromHeader(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetHeader("X-Chat-ID"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

type createChatReq struct {
	Name string `json:"name"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createChatReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	created, err := h.ChatSvc.CreateChat(c.Request.Context(), uid, req.Name, h.Cfg.OpenAIModel)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}

	common.Created(c, created)
}

func (h *Handler) ListChats(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	common.OK(c, gin.H{"chats": chats})
}

type renameChatReq struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) RenameChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID, okk := chatIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid chat id")
		return
	}

	var req renameChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := h.ChatSvc.RenameChat(c.Request.Context(), uid, chatID, req.Name); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to rename chat")
		return
	}
	common.OK(c, nil)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID, okk := chatIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid chat id")
		return
	}

	if err := h.ChatSvc.DeleteChat(c.Request.Context(), uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to delete chat")
		return
	}
	common.OK(c, nil)
}

type createMessageReq struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (h *Handler) CreateMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID, okk := chatIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid chat id")
		return
	}

	var req createMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if _, err := h.ChatSvc.GetOwnedChat(c.Request.Context(), uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	msg, err := h.ChatSvc.AppendMessage(c.Request.Context(), chatID, req.Role, req.Content)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidRole) || errors.Is(err, chat.ErrEmptyContent) {
			common.Fail(c, http.StatusBadRequest, 10006, err.Error())
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to create message")
		return
	}
	common.Created(c, msg)
}

func (h *Handler) GetMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID, okk := chatIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid chat id")
		return
	}

	chatIndex := 0
	if v := c.Query("chat_index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10007, "invalid chat index")
			return
		}
		chatIndex = n
	}

	msg, err := h.ChatSvc.GetMessage(c.Request.Context(), uid, chatID, chatIndex)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "message not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to get message")
		return
	}
	common.OK(c, msg)
}

func (h *Handler) GetMessageLen(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID, okk := chatIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid chat id")
		return
	}

	n, err := h.ChatSvc.MessageCount(c.Request.Context(), uid, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to count messages")
		return
	}
	common.OK(c, gin.H{"len": n})
}

// NextMessage streams the assistant's reply over SSE. The stream is a lazy,
// finite, non-restartable chunk sequence; a terminal "done" event is the
// sentinel. An interrupted stream just stops producing chunks.
func (h *Handler) NextMessage(c *gin.Context) {
	type reqBody struct {
		Content string `json:"content" binding:"required"`
	}

	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID, okk := chatIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid chat id")
		return
	}

	var req reqBody
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks, done, msgIDCh, errs := h.ChatSvc.NextMessageStream(ctx, uid, chatID, req.Content)

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{
				"type":  "chunk",
				"delta": ch,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case err := <-errs:
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				writeJSON("error", gin.H{
					"type":    "error",
					"message": "chat not found",
				})
			case errors.Is(err, stream.ErrProvider):
				writeJSON("error", gin.H{
					"type":    "error",
					"message": "assistant unavailable",
				})
			default:
				writeJSON("error", gin.H{
					"type":    "error",
					"message": err.Error(),
				})
			}
			return

		case <-done:
			var mid uuid.UUID
			select {
			case mid = <-msgIDCh:
			default:
			}
			// Sentinel empty event: the chunk sequence is finished and will
			// not restart.
			fmt.Fprintf(c.Writer, "data: \n\n")
			flusher.Flush()
			payload := gin.H{"type": "done"}
			if mid != uuid.Nil {
				payload["message_id"] = mid
			}
			writeJSON("done", payload)
			return

		case <-ctx.Done():
			return
		}
	}
}

// GenerateAsync enqueues a background assistant generation for the chat.
func (h *Handler) GenerateAsync(c *gin.Context) {
	type reqBody struct {
		Content string `json:"content" binding:"required"`
	}

	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID, okk := chatIDFromHeader(c)
	if !okk {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid chat id")
		return
	}

	var req reqBody
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	if _, err := h.ChatSvc.InsertUserMessage(c.Request.Context(), uid, chatID, req.Content); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		h.Log.Error().Err(err).Str("chat", chatID.String()).Msg("insert user message failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		UserID:         uid,
		ChatID:         chatID,
		Prompt:         req.Content,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	job, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		h.Log.Error().Err(err).Str("job", jobID).Msg("create job failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			h.Log.Error().Err(err).Str("job", job.ID).Msg("enqueue failed")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetGenerateJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
