package service

import (
	"context"
	"time"

	"polychat-go/internal/repository"
	"polychat-go/pkg/log"
)

// StreamJanitor 定期清理已完成且超过保留期的流状态。
type StreamJanitor struct {
	streams   repository.StreamStateRepository
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewStreamJanitor 创建清理器。
func NewStreamJanitor(streams repository.StreamStateRepository, retention, interval time.Duration) *StreamJanitor {
	return &StreamJanitor{streams: streams, retention: retention, interval: interval, now: time.Now}
}

// Run 阻塞运行直到 ctx 结束。
func (j *StreamJanitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	log.Infof("[StreamJanitor] 启动, interval=%s retention=%s", j.interval, j.retention)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一次清理并返回删除数量。
func (j *StreamJanitor) SweepOnce(ctx context.Context) int {
	n, err := j.streams.Sweep(ctx, j.now().Add(-j.retention))
	if err != nil {
		log.Warnf("[StreamJanitor] 清理流状态失败: %v", err)
		return 0
	}
	if n > 0 {
		log.Infof("[StreamJanitor] 已清理 %d 个流状态", n)
	}
	return n
}
