// Package auth はユーザー登録・ログイン・トークン管理を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/repository"
)

// minPasswordLength はパスワードの最小文字数。
const minPasswordLength = 5

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	tokens   *TokenManager
}

// NewService はServiceを生成する。
func NewService(userRepo repository.UserRepository, tokens *TokenManager) *Service {
	return &Service{
		userRepo: userRepo,
		tokens:   tokens,
	}
}

// Signup は新規ユーザーを登録し、作成したユーザーを返す。
// バリデーション失敗時はフィールドエラー一覧を保持したAPIErrorを返し、
// 何も永続化しない。パスワードはbcryptでハッシュ化して保存する。
func (s *Service) Signup(ctx context.Context, email, password, name string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	password = strings.TrimSpace(password)
	name = strings.TrimSpace(name)

	fields, err := s.validateSignup(ctx, email, password, name)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		return nil, model.NewValidationFailedError(fields)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Status:       model.DefaultUserStatus,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)

	return user, nil
}

// Login はメールアドレスとパスワードを照合し、署名付きトークンを発行する。
// メールアドレス未登録・パスワード不一致はいずれもUnauthorizedとなり、
// トークンは発行されない。
func (s *Service) Login(ctx context.Context, email, password string) (token, userID string, err error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return "", "", fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil {
		return "", "", model.NewUnauthorizedError()
	}

	if !VerifyPassword(user.PasswordHash, password) {
		return "", "", model.NewUnauthorizedError()
	}

	token, err = s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return "", "", fmt.Errorf("failed to issue token: %w", err)
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))

	return token, user.ID, nil
}

// validateSignup は登録入力を検証し、フィールドエラー一覧を返す。
// メールアドレスの一意性チェックのためにリポジトリを参照する。
func (s *Service) validateSignup(ctx context.Context, email, password, name string) ([]model.FieldError, error) {
	var fields []model.FieldError

	if _, err := mail.ParseAddress(email); email == "" || err != nil {
		fields = append(fields, model.FieldError{
			Field:   "email",
			Message: "有効なメールアドレスを入力してください。",
		})
	} else {
		existing, err := s.userRepo.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to check email uniqueness: %w", err)
		}
		if existing != nil {
			fields = append(fields, model.FieldError{
				Field:   "email",
				Message: "このメールアドレスは既に登録されています。",
			})
		}
	}

	if len(password) < minPasswordLength || !isAlphanumeric(password) {
		fields = append(fields, model.FieldError{
			Field:   "password",
			Message: fmt.Sprintf("パスワードは%d文字以上の英数字で入力してください。", minPasswordLength),
		})
	}

	if name == "" {
		fields = append(fields, model.FieldError{
			Field:   "name",
			Message: "名前を入力してください。",
		})
	}

	return fields, nil
}

// isAlphanumeric は文字列が英数字のみで構成されているかを返す。
func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}
