package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/hash"
	"polychat-go/pkg/log"
	"polychat-go/pkg/token"
)

// UserService 接口定义了所有与用户相关的业务操作。
type UserService interface {
	Register(ctx context.Context, username, password string) (*model.User, error)
	Login(ctx context.Context, username, password string) (accessToken, refreshToken string, err error)
	RefreshToken(ctx context.Context, refreshTokenString string) (newAccessToken, newRefreshToken string, err error)
	// Logout 将 access token 的 jti 加入 Redis 黑名单。
	Logout(ctx context.Context, claims *token.CustomClaims) error
	IsRevoked(ctx context.Context, claims *token.CustomClaims) (bool, error)
	GetProfile(ctx context.Context, userID uint) (*model.User, error)
	UpdatePersonalization(ctx context.Context, user *model.User, text string) error
	SetAPIKey(ctx context.Context, user *model.User, provider, apiKey string) error
	DeleteAPIKey(ctx context.Context, user *model.User, provider string) error
	ListAPIKeyProviders(ctx context.Context, user *model.User) ([]string, error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	apiKeys    repository.APIKeyRepository
	rdb        *redis.Client
	jwtManager *token.JWTManager
	providers  func(name string) bool
}

// NewUserService 创建一个新的 UserService 实例。knownProvider 用于校验 BYOK 的供应商名称，可以为 nil。
func NewUserService(userRepo repository.UserRepository, apiKeys repository.APIKeyRepository, rdb *redis.Client, jwtManager *token.JWTManager, knownProvider func(name string) bool) UserService {
	return &userService{
		userRepo:   userRepo,
		apiKeys:    apiKeys,
		rdb:        rdb,
		jwtManager: jwtManager,
		providers:  knownProvider,
	}
}

// Register 处理用户注册的业务逻辑。
func (s *userService) Register(ctx context.Context, username, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < 6 {
		return nil, validationError("username is required and password must be at least 6 characters")
	}
	// 1. 检查用户名是否已存在
	_, err := s.userRepo.FindByUsername(ctx, username)
	if err == nil {
		return nil, fmt.Errorf("%w: 用户名已存在", ErrConflict)
	}
	if !repository.IsNotFound(err) {
		return nil, err
	}

	// 2. 对密码进行哈希处理
	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, err
	}

	// 3. 创建新用户
	newUser := &model.User{
		Username: username,
		Password: hashedPassword,
		Role:     "USER",
	}
	if err := s.userRepo.Create(ctx, newUser); err != nil {
		return nil, err
	}
	log.Infof("[UserService] 新用户注册成功, username: %s, id: %d", username, newUser.ID)
	return newUser, nil
}

// Login 处理用户登录的业务逻辑。
func (s *userService) Login(ctx context.Context, username, password string) (accessToken, refreshToken string, err error) {
	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		if repository.IsNotFound(err) {
			return "", "", fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
		}
		return "", "", err
	}
	if !hash.CheckPasswordHash(password, user.Password) {
		return "", "", fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	return s.issue(user)
}

// RefreshToken 验证 refresh token 并签发新的 access token 和 refresh token，旧的 refresh token 随即作废。
func (s *userService) RefreshToken(ctx context.Context, refreshTokenString string) (newAccessToken, newRefreshToken string, err error) {
	claims, err := s.jwtManager.VerifyTyped(refreshTokenString, token.TypeRefresh)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid refresh token", ErrUnauthorized)
	}
	if revoked, err := s.IsRevoked(ctx, claims); err != nil {
		return "", "", err
	} else if revoked {
		return "", "", fmt.Errorf("%w: refresh token revoked", ErrUnauthorized)
	}
	user, err := s.userRepo.FindByID(ctx, claims.UserID)
	if err != nil {
		return "", "", fmt.Errorf("%w: user not found", ErrUnauthorized)
	}
	if err := s.revoke(ctx, claims); err != nil {
		return "", "", err
	}
	return s.issue(user)
}

func (s *userService) issue(user *model.User) (string, string, error) {
	accessToken, err := s.jwtManager.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", "", err
	}
	refreshToken, err := s.jwtManager.GenerateRefreshToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

// Logout 处理用户登出逻辑。令牌的剩余有效期作为黑名单 key 的过期时间。
func (s *userService) Logout(ctx context.Context, claims *token.CustomClaims) error {
	return s.revoke(ctx, claims)
}

func (s *userService) revoke(ctx context.Context, claims *token.CustomClaims) error {
	if s.rdb == nil || claims.ID == "" {
		return nil
	}
	expiration := time.Minute
	if claims.ExpiresAt != nil {
		if d := time.Until(claims.ExpiresAt.Time); d > 0 {
			expiration = d
		}
	}
	return s.rdb.Set(ctx, token.BlacklistKey(claims), "true", expiration).Err()
}

func (s *userService) IsRevoked(ctx context.Context, claims *token.CustomClaims) (bool, error) {
	if s.rdb == nil || claims.ID == "" {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, token.BlacklistKey(claims)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n > 0, nil
}

func (s *userService) GetProfile(ctx context.Context, userID uint) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, notFound("user not found")
		}
		return nil, err
	}
	return user, nil
}

func (s *userService) UpdatePersonalization(ctx context.Context, user *model.User, text string) error {
	if len(text) > 4000 {
		return validationError("personalization must be at most 4000 bytes")
	}
	user.Personalization = strings.TrimSpace(text)
	return s.userRepo.Update(ctx, user)
}

func (s *userService) SetAPIKey(ctx context.Context, user *model.User, provider, apiKey string) error {
	provider = strings.TrimSpace(provider)
	apiKey = strings.TrimSpace(apiKey)
	if provider == "" || apiKey == "" {
		return validationError("provider and apiKey are required")
	}
	if s.providers != nil && !s.providers(provider) {
		return validationError("unknown provider %q", provider)
	}
	return s.apiKeys.Upsert(ctx, user.ID, provider, apiKey)
}

func (s *userService) DeleteAPIKey(ctx context.Context, user *model.User, provider string) error {
	return s.apiKeys.Delete(ctx, user.ID, provider)
}

func (s *userService) ListAPIKeyProviders(ctx context.Context, user *model.User) ([]string, error) {
	return s.apiKeys.ListProviders(ctx, user.ID)
}
