package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postboard/internal/feed"
	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/storage"
)

// FeedServiceInterface はフィードハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	// ListPosts は投稿一覧の指定ページを所有者名付きで返す。
	ListPosts(ctx context.Context, page int) (*feed.PostPage, error)
	// CreatePost は新しい投稿を作成する。
	CreatePost(ctx context.Context, creatorID, title, content, imageURL string) (*model.PostWithCreator, error)
	// GetPost は指定IDの投稿を所有者名付きで返す。
	GetPost(ctx context.Context, postID string) (*model.PostWithCreator, error)
	// UpdatePost は所有者による投稿の更新を行う。
	UpdatePost(ctx context.Context, postID, callerID, title, content, newImageURL string) (*model.PostWithCreator, error)
	// DeletePost は所有者による投稿の削除を行う。
	DeletePost(ctx context.Context, postID, callerID string) error
	// GetStatus は呼び出しユーザーのステータスを返す。
	GetStatus(ctx context.Context, userID string) (string, error)
	// UpdateStatus は呼び出しユーザーのステータスを上書きする。
	UpdateStatus(ctx context.Context, userID, status string) error
}

// ImageSaver はアップロード画像の保存に必要なインターフェース。
// storage.ImageStoreの部分集合として定義する。
type ImageSaver interface {
	Save(file multipart.File, header *multipart.FileHeader) (string, int64, error)
}

// ImageMetrics は画像保存量を記録するメトリクスのインターフェース。
type ImageMetrics interface {
	RecordImageBytesStored(n int64)
}

// FeedHandler は投稿フィードのHTTPハンドラー。
type FeedHandler struct {
	service       FeedServiceInterface
	images        ImageSaver
	metrics       ImageMetrics
	maxUploadSize int64
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service FeedServiceInterface, images ImageSaver, m ImageMetrics, maxUploadSize int64) *FeedHandler {
	return &FeedHandler{
		service:       service,
		images:        images,
		metrics:       m,
		maxUploadSize: maxUploadSize,
	}
}

// --- レスポンス型 ---

// creatorResponse は投稿の所有者の最小限の記述。
type creatorResponse struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// postResponse は投稿のAPIレスポンス。
type postResponse struct {
	ID        string          `json:"_id"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	ImageURL  string          `json:"imageUrl"`
	Creator   creatorResponse `json:"creator"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// postListResponse は投稿一覧のレスポンス。
type postListResponse struct {
	Message    string         `json:"message"`
	Posts      []postResponse `json:"posts"`
	TotalItems int            `json:"totalItems"`
}

// postDetailResponse は投稿詳細のレスポンス。
type postDetailResponse struct {
	Message string       `json:"message"`
	Post    postResponse `json:"post"`
}

// postMutationResponse は投稿の作成・更新のレスポンス。
type postMutationResponse struct {
	Message string          `json:"message"`
	Post    postResponse    `json:"post"`
	Creator creatorResponse `json:"creator"`
}

// messageResponse はメッセージのみのレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

// statusResponse はユーザーステータスのレスポンス。
type statusResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// updateStatusRequest はステータス更新リクエストのボディ。
type updateStatusRequest struct {
	Status string `json:"status"`
}

// ListPosts は投稿一覧をページネーション付きで取得する。
// GET /feed/posts?page=N
func (h *FeedHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			page = n
		}
	}

	result, err := h.service.ListPosts(r.Context(), page)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	posts := make([]postResponse, len(result.Posts))
	for i, p := range result.Posts {
		posts[i] = toPostResponse(p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(postListResponse{
		Message:    "投稿一覧を取得しました。",
		Posts:      posts,
		TotalItems: result.TotalItems,
	})
}

// CreatePost は画像添付付きの投稿作成を処理する。
// POST /feed/post（multipart/form-data: image, title, content）
func (h *FeedHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDOrUnauthenticated(w, r)
	if err != nil {
		return
	}

	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationFailedError([]model.FieldError{
			{Field: "body", Message: "マルチパート形式のリクエストを解析できませんでした。"},
		}))
		return
	}

	imageURL, ok := h.saveUploadedImage(w, r, true)
	if !ok {
		return
	}

	post, err := h.service.CreatePost(r.Context(), userID, r.FormValue("title"), r.FormValue("content"), imageURL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(postMutationResponse{
		Message: "投稿を作成しました。",
		Post:    toPostResponse(post),
		Creator: creatorResponse{ID: post.CreatorID, Name: post.CreatorName},
	})
}

// GetPost は投稿詳細を取得する。
// GET /feed/post/:postId
func (h *FeedHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postId")

	post, err := h.service.GetPost(r.Context(), postID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(postDetailResponse{
		Message: "投稿を取得しました。",
		Post:    toPostResponse(post),
	})
}

// UpdatePost は所有者による投稿更新を処理する。画像の差し替えは任意。
// PUT /feed/post/:postId（multipart/form-data: title, content, image?）
func (h *FeedHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDOrUnauthenticated(w, r)
	if err != nil {
		return
	}

	postID := chi.URLParam(r, "postId")

	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationFailedError([]model.FieldError{
			{Field: "body", Message: "マルチパート形式のリクエストを解析できませんでした。"},
		}))
		return
	}

	newImageURL, ok := h.saveUploadedImage(w, r, false)
	if !ok {
		return
	}

	post, err := h.service.UpdatePost(r.Context(), postID, userID, r.FormValue("title"), r.FormValue("content"), newImageURL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(postMutationResponse{
		Message: "投稿を更新しました。",
		Post:    toPostResponse(post),
		Creator: creatorResponse{ID: post.CreatorID, Name: post.CreatorName},
	})
}

// DeletePost は所有者による投稿削除を処理する。
// DELETE /feed/post/:postId
func (h *FeedHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDOrUnauthenticated(w, r)
	if err != nil {
		return
	}

	postID := chi.URLParam(r, "postId")

	if err := h.service.DeletePost(r.Context(), postID, userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messageResponse{Message: "投稿を削除しました。"})
}

// GetStatus は呼び出しユーザーのステータスを取得する。
// GET /feed/status
func (h *FeedHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDOrUnauthenticated(w, r)
	if err != nil {
		return
	}

	status, err := h.service.GetStatus(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Message: "ステータスを取得しました。",
		Status:  status,
	})
}

// UpdateStatus は呼び出しユーザーのステータスを上書きする。
// PATCH /feed/status
func (h *FeedHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDOrUnauthenticated(w, r)
	if err != nil {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationFailedError([]model.FieldError{
			{Field: "body", Message: "リクエストボディの解析に失敗しました。"},
		}))
		return
	}

	status := strings.TrimSpace(req.Status)
	if status == "" {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationFailedError([]model.FieldError{
			{Field: "status", Message: "ステータスを入力してください。"},
		}))
		return
	}

	if err := h.service.UpdateStatus(r.Context(), userID, status); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messageResponse{Message: "ステータスを更新しました。"})
}

// --- ヘルパー関数 ---

// saveUploadedImage はマルチパートフォームの"image"フィールドを保存し、公開URLパスを返す。
// requiredがtrueのとき、ファイルの欠如はバリデーションエラーとして応答する。
// 対応外の画像形式もバリデーションエラーとして応答する。
// エラー応答を書き込んだ場合はok=falseを返す。
func (h *FeedHandler) saveUploadedImage(w http.ResponseWriter, r *http.Request, required bool) (imageURL string, ok bool) {
	file, header, err := r.FormFile("image")
	if err != nil {
		if !required {
			return "", true
		}
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationFailedError([]model.FieldError{
			{Field: "image", Message: "画像が添付されていません。"},
		}))
		return "", false
	}
	defer file.Close()

	imageURL, written, err := h.images.Save(file, header)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedImageType) {
			writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationFailedError([]model.FieldError{
				{Field: "image", Message: "対応していない画像形式です。png / jpg / jpeg のみ使用できます。"},
			}))
			return "", false
		}
		handleServiceError(w, err)
		return "", false
	}

	h.metrics.RecordImageBytesStored(written)
	return imageURL, true
}

// userIDOrUnauthenticated はコンテキストから認証済みユーザーIDを取得する。
// 取得できない場合は401レスポンスを書き込み、エラーを返す。
func userIDOrUnauthenticated(w http.ResponseWriter, r *http.Request) (string, error) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return "", err
	}
	return userID, nil
}

// toPostResponse はmodel.PostWithCreatorからAPIレスポンスに変換する。
func toPostResponse(p *model.PostWithCreator) postResponse {
	return postResponse{
		ID:       p.ID,
		Title:    p.Title,
		Content:  p.Content,
		ImageURL: p.ImageURL,
		Creator: creatorResponse{
			ID:   p.CreatorID,
			Name: p.CreatorName,
		},
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// writeAPIErrorResponse は統一フォーマット（message, data?）でエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse{
		Message: apiErr.Message,
		Data:    apiErr.Data,
	})
}

// errorResponse は統一エラーフォーマットのレスポンス。
type errorResponse struct {
	Message string             `json:"message"`
	Data    []model.FieldError `json:"data,omitempty"`
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		if statusCode == http.StatusInternalServerError {
			slog.Error("internal server error", slog.String("error", err.Error()))
		}
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError("内部エラーが発生しました。"))
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidationFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeUnauthenticated, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodePostNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
