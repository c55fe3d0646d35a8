// Package feed は投稿フィードに関するビジネスロジックを提供する。
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/repository"
	"github.com/hitoshi/postboard/internal/security"
)

// postsPerPage は投稿一覧の1ページあたりの件数（固定）。
const postsPerPage = 2

// minFieldLength はタイトル・本文の最小文字数。
const minFieldLength = 5

// ImageDeleter は保存済み画像の削除に必要なインターフェース。
// storage.ImageStoreの部分集合として定義する。
type ImageDeleter interface {
	Delete(imageURL string) error
}

// PostMetrics は投稿の作成・削除を記録するメトリクスのインターフェース。
// metrics.MetricsCollectorの部分集合として定義する。
type PostMetrics interface {
	RecordPostCreated()
	RecordPostDeleted()
}

// PostPage は投稿一覧の1ページ分と総件数を保持する。
type PostPage struct {
	Posts      []*model.PostWithCreator
	TotalItems int
}

// Service は投稿フィードに関するビジネスロジックを提供する。
type Service struct {
	postRepo  repository.PostRepository
	userRepo  repository.UserRepository
	images    ImageDeleter
	sanitizer security.ContentSanitizerService
	metrics   PostMetrics
}

// NewService はServiceを生成する。
func NewService(
	postRepo repository.PostRepository,
	userRepo repository.UserRepository,
	images ImageDeleter,
	sanitizer security.ContentSanitizerService,
	m PostMetrics,
) *Service {
	return &Service{
		postRepo:  postRepo,
		userRepo:  userRepo,
		images:    images,
		sanitizer: sanitizer,
		metrics:   m,
	}
}

// ListPosts は投稿一覧の指定ページを所有者名付きで返す。
// ページサイズは固定（2件）。範囲外のページは空の一覧として正常に返す。
// TotalItemsはページに関係なく常に投稿の総数を返す。
func (s *Service) ListPosts(ctx context.Context, page int) (*PostPage, error) {
	if page < 1 {
		page = 1
	}

	total, err := s.postRepo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count posts: %w", err)
	}

	posts, err := s.postRepo.List(ctx, (page-1)*postsPerPage, postsPerPage)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	return &PostPage{
		Posts:      posts,
		TotalItems: total,
	}, nil
}

// CreatePost は新しい投稿を作成し、所有者名付きで返す。
// バリデーション失敗時・所有者未検出時は、保存済みの画像ファイルを削除してから
// エラーを返す（孤児ファイルを残さない）。本文は保存前にサニタイズされる。
func (s *Service) CreatePost(ctx context.Context, creatorID, title, content, imageURL string) (*model.PostWithCreator, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)

	if fields := validatePostFields(title, content); len(fields) > 0 {
		s.removeUploadedImage(imageURL)
		return nil, model.NewValidationFailedError(fields)
	}

	user, err := s.userRepo.FindByID(ctx, creatorID)
	if err != nil {
		s.removeUploadedImage(imageURL)
		return nil, fmt.Errorf("failed to find creator: %w", err)
	}
	if user == nil {
		// トークンは有効だがユーザーレコードが既に存在しない
		s.removeUploadedImage(imageURL)
		return nil, model.NewUserNotFoundError()
	}

	now := time.Now()
	post := &model.Post{
		ID:        uuid.New().String(),
		Title:     title,
		Content:   s.sanitizer.Sanitize(content),
		ImageURL:  imageURL,
		CreatorID: user.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.postRepo.Create(ctx, post); err != nil {
		s.removeUploadedImage(imageURL)
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	s.metrics.RecordPostCreated()
	slog.Info("post created",
		slog.String("post_id", post.ID),
		slog.String("user_id", user.ID),
	)

	return &model.PostWithCreator{Post: *post, CreatorName: user.Name}, nil
}

// GetPost は指定IDの投稿を所有者名付きで返す。見つからない場合はNotFound。
func (s *Service) GetPost(ctx context.Context, postID string) (*model.PostWithCreator, error) {
	post, err := s.postRepo.FindByIDWithCreator(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to find post: %w", err)
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	return post, nil
}

// UpdatePost は所有者による投稿の更新を行う。
// バリデーション失敗・未検出・所有者不一致のいずれの失敗時も、
// アップロード済みの差し替え画像は削除してから返す。
// 差し替え画像が指定された場合、旧画像の削除はベストエフォート
// （失敗はログに記録し、更新自体は継続する。掃除ジョブが後始末する）。
func (s *Service) UpdatePost(ctx context.Context, postID, callerID, title, content, newImageURL string) (*model.PostWithCreator, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)

	if fields := validatePostFields(title, content); len(fields) > 0 {
		s.removeUploadedImage(newImageURL)
		return nil, model.NewValidationFailedError(fields)
	}

	post, err := s.postRepo.FindByIDWithCreator(ctx, postID)
	if err != nil {
		s.removeUploadedImage(newImageURL)
		return nil, fmt.Errorf("failed to find post: %w", err)
	}
	if post == nil {
		s.removeUploadedImage(newImageURL)
		return nil, model.NewPostNotFoundError(postID)
	}

	if post.CreatorID != callerID {
		s.removeUploadedImage(newImageURL)
		return nil, model.NewForbiddenError()
	}

	if newImageURL != "" {
		if err := s.images.Delete(post.ImageURL); err != nil {
			slog.Warn("failed to delete old image",
				slog.String("post_id", post.ID),
				slog.String("image_url", post.ImageURL),
				slog.String("error", err.Error()),
			)
		}
		post.ImageURL = newImageURL
	}

	post.Title = title
	post.Content = s.sanitizer.Sanitize(content)
	post.UpdatedAt = time.Now()

	if err := s.postRepo.Update(ctx, &post.Post); err != nil {
		return nil, fmt.Errorf("failed to update post: %w", err)
	}

	slog.Info("post updated",
		slog.String("post_id", post.ID),
		slog.String("user_id", callerID),
	)

	return post, nil
}

// DeletePost は所有者による投稿の削除を行う。
// 画像ファイルの削除と投稿レコードの削除は並行して実行し、
// 両方の結果を待ち合わせてから応答を決める。トランザクションは張らず、
// 部分失敗は失敗した側を区別して報告する（補償・ロールバックはしない）。
func (s *Service) DeletePost(ctx context.Context, postID, callerID string) error {
	post, err := s.postRepo.FindByID(ctx, postID)
	if err != nil {
		return fmt.Errorf("failed to find post: %w", err)
	}
	if post == nil {
		return model.NewPostNotFoundError(postID)
	}

	if post.CreatorID != callerID {
		return model.NewForbiddenError()
	}

	var (
		wg        sync.WaitGroup
		imageErr  error
		recordErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		imageErr = s.images.Delete(post.ImageURL)
	}()
	go func() {
		defer wg.Done()
		recordErr = s.postRepo.DeleteByID(ctx, postID)
	}()
	wg.Wait()

	switch {
	case imageErr != nil && recordErr != nil:
		slog.Error("failed to delete image and post",
			slog.String("post_id", postID),
			slog.String("image_error", imageErr.Error()),
			slog.String("record_error", recordErr.Error()),
		)
		return model.NewInternalError("画像と投稿の削除に失敗しました。")
	case imageErr != nil:
		slog.Error("failed to delete image",
			slog.String("post_id", postID),
			slog.String("error", imageErr.Error()),
		)
		return model.NewInternalError("画像の削除に失敗しました。")
	case recordErr != nil:
		slog.Error("failed to delete post record",
			slog.String("post_id", postID),
			slog.String("error", recordErr.Error()),
		)
		return model.NewInternalError("投稿の削除に失敗しました。")
	}

	s.metrics.RecordPostDeleted()
	slog.Info("post deleted",
		slog.String("post_id", postID),
		slog.String("user_id", callerID),
	)

	return nil
}

// GetStatus は呼び出しユーザーのステータスを返す。
// ユーザーレコードが存在しない場合はNotFound。
func (s *Service) GetStatus(ctx context.Context, userID string) (string, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return "", model.NewUserNotFoundError()
	}
	return user.Status, nil
}

// UpdateStatus は呼び出しユーザーのステータスを上書きする。
// ユーザーレコードが存在しない場合はNotFound。
func (s *Service) UpdateStatus(ctx context.Context, userID, status string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	if err := s.userRepo.UpdateStatus(ctx, userID, status); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	slog.Info("user status updated", slog.String("user_id", userID))
	return nil
}

// removeUploadedImage は受信済み画像を削除する。失敗はログのみに記録する。
// 画像が保存されていない場合（空文字列）は何もしない。
func (s *Service) removeUploadedImage(imageURL string) {
	if imageURL == "" {
		return
	}
	if err := s.images.Delete(imageURL); err != nil {
		slog.Warn("failed to remove uploaded image",
			slog.String("image_url", imageURL),
			slog.String("error", err.Error()),
		)
	}
}

// validatePostFields はタイトルと本文を検証し、フィールドエラー一覧を返す。
func validatePostFields(title, content string) []model.FieldError {
	var fields []model.FieldError

	if utf8.RuneCountInString(title) < minFieldLength {
		fields = append(fields, model.FieldError{
			Field:   "title",
			Message: fmt.Sprintf("タイトルは%d文字以上で入力してください。", minFieldLength),
		})
	}
	if utf8.RuneCountInString(content) < minFieldLength {
		fields = append(fields, model.FieldError{
			Field:   "content",
			Message: fmt.Sprintf("本文は%d文字以上で入力してください。", minFieldLength),
		})
	}

	return fields
}
