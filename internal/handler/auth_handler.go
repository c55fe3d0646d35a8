package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/postboard/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// Signup は新規ユーザーを登録し、作成したユーザーを返す。
	Signup(ctx context.Context, email, password, name string) (*model.User, error)
	// Login は認証情報を照合し、署名付きトークンとユーザーIDを返す。
	Login(ctx context.Context, email, password string) (token, userID string, err error)
}

// AuthHandler は認証のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// signupRequest はユーザー登録リクエストのボディ。
type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// signupResponse はユーザー登録のレスポンス。
type signupResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// loginResponse はログインのレスポンス。
type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Signup はユーザー登録を処理する。
// PUT /auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationFailedError([]model.FieldError{
			{Field: "body", Message: "リクエストボディの解析に失敗しました。"},
		}))
		return
	}

	user, err := h.service.Signup(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(signupResponse{
		Message: "ユーザーを登録しました。",
		UserID:  user.ID,
	})
}

// Login はログインを処理し、署名付きトークンを返す。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationFailedError([]model.FieldError{
			{Field: "body", Message: "リクエストボディの解析に失敗しました。"},
		}))
		return
	}

	token, userID, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{
		Token:  token,
		UserID: userID,
	})
}
