package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"polychat-go/internal/model"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/log"
	"polychat-go/pkg/tasks"
)

type turnKind string

const (
	turnSend   turnKind = "send"
	turnRetry  turnKind = "retry"
	turnResume turnKind = "resume"
)

// streamRun 描述一次流式生成所需的全部上下文。
type streamRun struct {
	kind      turnKind
	user      *model.User
	conv      *model.Conversation
	assistant *model.Message
	// userMsg 为触发本轮的用户消息，续写时为 nil
	userMsg  *model.Message
	model    llm.ModelDescriptor
	provider llm.ProviderDescriptor
	history  []llm.Message
	meta     model.MessageMetadata
	streamID string

	// 失败时需要删除的消息，续写不删除任何消息
	compensate []string

	baseContent    string
	baseTokens     int
	startIndex     int
	originalStream string
	originalPrompt string
	preamble       *Event
}

// relay 向客户端转发事件。客户端断开后停止写入，但生成与持久化继续进行。
type relay struct {
	sink EventSink
	gone bool
	svc  *chatService
	id   string
}

func (r *relay) send(ev Event) {
	if r.gone || r.sink == nil {
		return
	}
	if err := r.sink.Send(ev); err != nil {
		r.gone = true
		r.svc.Metrics.ClientDisconnected()
		log.Infof("[ChatService] 客户端已断开, stream=%s: %v", r.id, err)
	}
}

// newStreamID 由会话 ID、消息 ID 与随机数派生出不透明的流 ID。
func newStreamID(conversationID, messageID string) string {
	sum := sha256.Sum256([]byte(conversationID + ":" + messageID + ":" + uuid.NewString()))
	return "strm_" + hex.EncodeToString(sum[:16])
}

// runStream 驱动 streaming -> finalizing | errored 状态机。
// 流阶段的失败在内部处理（错误事件 + 补偿），因此这里只返回 nil。
func (s *chatService) runStream(ctx context.Context, run *streamRun, sink EventSink) (retErr error) {
	start := s.now()
	out := &relay{sink: sink, svc: s, id: run.streamID}

	state := &model.StreamState{
		StreamID:       run.streamID,
		ConversationID: run.conv.ID,
		MessageID:      run.assistant.ID,
		UserID:         run.user.ID,
		Content:        run.baseContent,
		ChunkIndex:     run.startIndex,
		TotalTokens:    run.baseTokens,
		StartTime:      start,
		Model:          run.model.ID,
		Provider:       run.provider.Name,
		OriginalPrompt: run.originalPrompt,
		ResumedFrom:    run.originalStream,
	}
	if run.userMsg != nil && state.OriginalPrompt == "" {
		state.OriginalPrompt = run.userMsg.Content
	}
	state.Touch(start)
	if err := s.Streams.Save(ctx, state); err != nil {
		log.Warnf("[ChatService] 保存初始流状态失败, stream=%s: %v", run.streamID, err)
	}
	s.retireSiblings(ctx, run)

	s.Metrics.StreamStarted(string(run.kind), run.provider.Name)

	defer func() {
		if p := recover(); p != nil {
			log.Errorf("[ChatService] 流处理发生 panic, stream=%s: %v", run.streamID, p)
			s.fail(ctx, run, state, out, fmt.Errorf("internal error: %v", p), start)
			retErr = nil
		}
	}()

	if run.preamble != nil {
		out.send(*run.preamble)
	}

	chunks, err := s.Gateway.CreateStreamingCompletion(ctx, run.history, run.model.ID, s.completionContext(run.user, run.conv.ID))
	if err != nil {
		s.fail(ctx, run, state, out, err, start)
		return nil
	}
	// 提前退出循环时排空通道，避免供应商协程阻塞
	defer func() {
		go func() {
			for range chunks {
			}
		}()
	}()

	content := run.baseContent
	index := run.startIndex
	generated := 0
	providerTotal := 0
	finished := false
	var streamErr error

	gate := &rate.Sometimes{First: 1, Every: s.Config.CheckpointEvery, Interval: s.Config.CheckpointInterval}

	for chunk := range chunks {
		if finished {
			continue
		}
		if chunk.Error != nil {
			streamErr = chunk.Error
			break
		}
		if chunk.Content != "" {
			idx := index
			out.send(Event{
				Type:           EventContent,
				Content:        chunk.Content,
				ConversationID: run.conv.ID,
				MessageID:      run.assistant.ID,
				StreamID:       run.streamID,
				ChunkIndex:     &idx,
			})
			s.Metrics.ChunkRelayed()
			index++
			content += chunk.Content
			generated += chunk.TokenCount

			state.Content = content
			state.ChunkIndex = index
			state.TotalTokens = run.baseTokens + generated
			state.Touch(s.now())
			gate.Do(func() { s.checkpoint(ctx, run, state) })
		}
		if chunk.Finished {
			finished = true
			providerTotal = chunk.TotalTokens
		}
	}
	if streamErr == nil && !finished && ctx.Err() != nil {
		streamErr = ctx.Err()
	}
	if streamErr != nil {
		state.Content = content
		state.ChunkIndex = index
		s.fail(ctx, run, state, out, streamErr, start)
		return nil
	}

	tokens := generated
	if providerTotal > 0 {
		tokens = providerTotal
	}
	s.finalize(ctx, run, state, out, content, index, run.baseTokens+tokens, start)
	return nil
}

// checkpoint 周期性地把累计内容写回消息与流状态，失败只记录日志。
func (s *chatService) checkpoint(ctx context.Context, run *streamRun, state *model.StreamState) {
	if err := s.Messages.UpdateContent(ctx, run.assistant.ID, state.Content, state.TotalTokens); err != nil {
		s.Metrics.CheckpointFailed()
		log.Warnf("[ChatService] 检查点写入消息失败, message=%s: %v", run.assistant.ID, err)
	}
	if err := s.Streams.Save(ctx, state); err != nil {
		s.Metrics.CheckpointFailed()
		log.Warnf("[ChatService] 检查点写入流状态失败, stream=%s: %v", state.StreamID, err)
	}
}

// retireSiblings 将同一消息的其它未完成流标记为完成，保证每条消息最多一个活动流。
// 续写时前驱流在成功后才移除，这里跳过它。
func (s *chatService) retireSiblings(ctx context.Context, run *streamRun) {
	incomplete, err := s.Streams.ListIncomplete(ctx)
	if err != nil {
		log.Warnf("[ChatService] 列出未完成流失败: %v", err)
		return
	}
	for _, st := range incomplete {
		if st.MessageID != run.assistant.ID || st.StreamID == run.streamID || st.StreamID == run.originalStream {
			continue
		}
		if err := s.Streams.MarkComplete(ctx, st.StreamID); err != nil {
			log.Warnf("[ChatService] 退役旧流失败, stream=%s: %v", st.StreamID, err)
		}
	}
}

func (s *chatService) finalize(ctx context.Context, run *streamRun, state *model.StreamState, out *relay, content string, finalIndex, tokens int, start time.Time) {
	now := s.now()
	elapsed := now.Sub(start)

	meta := run.meta
	meta.StreamingComplete = true
	meta.ProcessingTime = elapsed.Milliseconds()
	meta.Provider = run.provider.Name
	meta.Model = run.model.ID
	meta.CurrentStreamID = run.streamID

	if err := s.Messages.Finalize(ctx, run.assistant.ID, content, tokens, run.model.ID, meta); err != nil {
		state.Content = content
		state.ChunkIndex = finalIndex
		s.fail(ctx, run, state, out, fmt.Errorf("failed to persist final content: %w", err), start)
		return
	}
	run.assistant.Content = content
	run.assistant.TokenCount = tokens
	run.assistant.SetMeta(meta)

	state.Content = content
	state.ChunkIndex = finalIndex
	state.TotalTokens = tokens
	state.IsComplete = true
	state.IsPaused = false
	state.Touch(now)
	if err := s.Streams.Save(ctx, state); err != nil {
		log.Warnf("[ChatService] 保存完成状态失败, stream=%s: %v", state.StreamID, err)
	}
	if run.kind == turnResume && run.originalStream != "" && run.originalStream != run.streamID {
		if err := s.Streams.Remove(ctx, run.originalStream); err != nil {
			log.Warnf("[ChatService] 移除前驱流失败, stream=%s: %v", run.originalStream, err)
		}
	}

	if err := s.Conversations.TouchModel(ctx, run.conv.ID, run.model.ID); err != nil {
		log.Warnf("[ChatService] 更新会话模型失败, conversation=%s: %v", run.conv.ID, err)
	}
	if s.Titles != nil && run.userMsg != nil && run.conv.Title == s.Config.TitlePlaceholder {
		s.Titles.GenerateAsync(*run.conv, run.model.ID, run.user, run.userMsg.Content, content)
	}

	s.Metrics.StreamFinished(string(run.kind), "completed", run.provider.Name, elapsed)

	final := finalIndex
	done := Event{
		Type:            EventCompleted,
		ConversationID:  run.conv.ID,
		MessageID:       run.assistant.ID,
		StreamID:        run.streamID,
		TotalTokens:     tokens,
		ProcessingTime:  elapsed.Milliseconds(),
		FinalChunkIndex: &final,
		Model:           run.model.ID,
		Provider:        run.provider.Name,
	}
	if run.userMsg != nil {
		done.UserMessageID = run.userMsg.ID
	}
	if run.kind == turnResume {
		from := run.startIndex
		done.ResumedFromChunk = &from
		done.OriginalStreamID = run.originalStream
	}
	out.send(done)

	s.afterCompletion(ctx, run, tokens, elapsed)
}

// afterCompletion 发布用量事件并写入检索索引，失败不影响本轮结果。
func (s *chatService) afterCompletion(ctx context.Context, run *streamRun, tokens int, elapsed time.Duration) {
	if s.Usage != nil {
		ev := tasks.UsageEvent{
			EventID:        run.streamID,
			UserID:         run.user.ID,
			ConversationID: run.conv.ID,
			MessageID:      run.assistant.ID,
			Model:          run.model.ID,
			Provider:       run.provider.Name,
			Tokens:         tokens,
			ProcessingMs:   elapsed.Milliseconds(),
			Resumed:        run.kind == turnResume,
			OccurredAt:     s.now(),
		}
		if err := s.Usage.PublishUsage(ctx, ev); err != nil {
			log.Warnf("[ChatService] 发布用量事件失败, stream=%s: %v", run.streamID, err)
		}
	}
	if s.Indexer != nil && run.userMsg != nil {
		if err := s.Indexer.IndexExchange(ctx, run.userMsg, run.assistant); err != nil {
			log.Warnf("[ChatService] 写入检索索引失败, message=%s: %v", run.assistant.ID, err)
		}
	}
}

// fail 处理流阶段的错误：发送或重试时执行补偿，续写时保留消息并把错误记在流状态上。
func (s *chatService) fail(ctx context.Context, run *streamRun, state *model.StreamState, out *relay, cause error, start time.Time) {
	log.Errorf("[ChatService] 流处理失败, kind=%s stream=%s message=%s: %v", run.kind, run.streamID, run.assistant.ID, cause)
	now := s.now()

	state.Error = cause.Error()
	state.IsComplete = true
	state.IsPaused = false
	state.Touch(now)
	if err := s.Streams.Save(ctx, state); err != nil {
		log.Warnf("[ChatService] 保存错误状态失败, stream=%s: %v", state.StreamID, err)
	}

	if run.kind != turnResume {
		s.compensate(ctx, humanError(cause), run.compensate...)
	}

	s.Metrics.StreamFinished(string(run.kind), "error", run.provider.Name, now.Sub(start))
	out.send(Event{
		Type:           EventError,
		ConversationID: run.conv.ID,
		MessageID:      run.assistant.ID,
		StreamID:       run.streamID,
		Error:          humanError(cause),
		Model:          run.model.ID,
		Provider:       run.provider.Name,
	})
}

// compensate 先尝试删除消息；删除失败时退而给消息打上错误与删除标记。
func (s *chatService) compensate(ctx context.Context, reason string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	err := s.Messages.Delete(ctx, ids...)
	if err == nil {
		return
	}
	log.Errorf("[ChatService] 删除失败消息出错，改为标记删除, ids=%v: %v", ids, err)
	for _, id := range ids {
		msg, ferr := s.Messages.FindByID(ctx, id)
		if ferr != nil {
			log.Errorf("[ChatService] 标记删除时读取消息失败, id=%s: %v", id, ferr)
			continue
		}
		meta := msg.Meta()
		meta.Error = true
		meta.Deleted = true
		meta.ErrorMessage = reason
		if uerr := s.Messages.UpdateMetadata(ctx, id, meta); uerr != nil {
			log.Errorf("[ChatService] 标记删除失败, id=%s: %v", id, uerr)
		}
	}
}

// humanError 将内部错误转换为展示给用户的固定文案，原始错误只进日志和流状态。
func humanError(err error) string {
	var se *llm.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The model took too long to respond. Please try again."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.Is(err, llm.ErrProviderNotConfigured), errors.Is(err, llm.ErrUnknownModel):
		return "The selected model is not available."
	case errors.Is(err, llm.ErrTruncatedStream):
		return "The connection to the model was interrupted. You can resume the response."
	case errors.As(err, &se):
		switch {
		case se.StatusCode == http.StatusUnauthorized, se.StatusCode == http.StatusForbidden, se.StatusCode == http.StatusPaymentRequired:
			return "The provider rejected the API key or the account has no remaining quota."
		case se.StatusCode == http.StatusTooManyRequests:
			return "The provider is rate limiting requests. Please wait a moment and try again."
		case se.StatusCode >= http.StatusInternalServerError:
			return "The provider is temporarily unavailable. Please try again later."
		}
	}
	return "Failed to generate a response. Please try again."
}
