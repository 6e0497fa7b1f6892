package model

import "time"

// StreamState 是一次生成流的可恢复快照。只存放在流状态仓库中，不落库。
type StreamState struct {
	StreamID        string    `json:"streamId"`
	ConversationID  string    `json:"conversationId"`
	MessageID       string    `json:"messageId"`
	UserID          uint      `json:"userId"`
	Content         string    `json:"content"`
	ChunkIndex      int       `json:"chunkIndex"`
	TotalTokens     int       `json:"totalTokens"`
	StartTime       time.Time `json:"startTime"`
	LastUpdate      time.Time `json:"lastUpdate"`
	ElapsedMs       int64     `json:"elapsedMs"`
	TokensPerSecond float64   `json:"tokensPerSecond"`
	Bytes           int       `json:"bytes"`
	IsComplete      bool      `json:"isComplete"`
	IsPaused        bool      `json:"isPaused"`
	Error           string    `json:"error,omitempty"`
	Model           string    `json:"model"`
	Provider        string    `json:"provider"`
	OriginalPrompt  string    `json:"originalPrompt,omitempty"`
	ResumedFrom     string    `json:"resumedFrom,omitempty"`
}

// Clone 返回一个独立副本。
func (s *StreamState) Clone() *StreamState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Touch 根据当前内容刷新计时与速率字段。
func (s *StreamState) Touch(now time.Time) {
	s.LastUpdate = now
	s.Bytes = len(s.Content)
	if !s.StartTime.IsZero() {
		elapsed := now.Sub(s.StartTime)
		s.ElapsedMs = elapsed.Milliseconds()
		if secs := elapsed.Seconds(); secs > 0 {
			s.TokensPerSecond = float64(s.TotalTokens) / secs
		}
	}
}
