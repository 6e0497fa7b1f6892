package service

import (
	"context"
	"time"

	"polychat-go/internal/model"
	"polychat-go/internal/repository"
)

// UserListResponse 定义了用户列表 API 的响应结构。
type UserListResponse struct {
	Content       []UserDetailResponse `json:"content"`
	TotalElements int64                `json:"totalElements"`
	TotalPages    int                  `json:"totalPages"`
	Size          int                  `json:"size"`
	Number        int                  `json:"number"`
}

// UserDetailResponse 定义了用户列表项的详细结构。
type UserDetailResponse struct {
	UserID    uint            `json:"userId"`
	Username  string          `json:"username"`
	Role      string          `json:"role"`
	Status    int             `json:"status"`
	CreatedAt model.LocalTime `json:"createdAt"`
}

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	ListUsers(ctx context.Context, page, size int) (*UserListResponse, error)
	UsageSummary(ctx context.Context, days int) ([]model.UsageSummary, error)
	// ListActiveStreams 返回所有未完成的流，用于排查卡住的生成。
	ListActiveStreams(ctx context.Context) ([]*model.StreamState, error)
	// SweepStreams 立即清理 olderThan 之前完成的流状态。
	SweepStreams(ctx context.Context, olderThan time.Duration) (int, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	userRepo repository.UserRepository
	usage    UsageService
	streams  repository.StreamStateRepository
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(userRepo repository.UserRepository, usage UsageService, streams repository.StreamStateRepository) AdminService {
	return &adminService{userRepo: userRepo, usage: usage, streams: streams}
}

// ListUsers 以分页的形式返回用户列表
func (s *adminService) ListUsers(ctx context.Context, page, size int) (*UserListResponse, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size
	users, total, err := s.userRepo.FindWithPagination(ctx, offset, size)
	if err != nil {
		return nil, err
	}

	userResponses := make([]UserDetailResponse, 0, len(users))
	for _, u := range users {
		// 转换角色为状态码
		status := 1
		if u.Role == "ADMIN" {
			status = 0
		}
		userResponses = append(userResponses, UserDetailResponse{
			UserID:    u.ID,
			Username:  u.Username,
			Role:      u.Role,
			Status:    status,
			CreatedAt: model.LocalTime(u.CreatedAt),
		})
	}

	totalPages := 0
	if total > 0 {
		totalPages = (int(total) + size - 1) / size
	}
	return &UserListResponse{
		Content:       userResponses,
		TotalElements: total,
		TotalPages:    totalPages,
		Size:          size,
		Number:        page,
	}, nil
}

func (s *adminService) UsageSummary(ctx context.Context, days int) ([]model.UsageSummary, error) {
	return s.usage.SummaryAll(ctx, days)
}

func (s *adminService) ListActiveStreams(ctx context.Context) ([]*model.StreamState, error) {
	return s.streams.ListIncomplete(ctx)
}

func (s *adminService) SweepStreams(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.streams.Sweep(ctx, time.Now().Add(-olderThan))
}
