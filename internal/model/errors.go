// Package model はドメインモデルを定義する。
package model

import "fmt"

// FieldError はバリデーション失敗時の個別フィールドエラーを表す。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError は統一エラーフォーマットを表す。
// サービス層からハンドラー層へ伝播し、ハンドラー側の単一のマッピングで
// HTTPステータスコードとレスポンスボディに変換される。
type APIError struct {
	Code    string       // エラーコード
	Message string       // エラーメッセージ
	Data    []FieldError // フィールド単位の詳細（バリデーション失敗時のみ）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodePostNotFound     = "POST_NOT_FOUND"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewValidationFailedError はバリデーション失敗エラーを生成する。
// フィールド単位のエラー一覧を保持する。
func NewValidationFailedError(fields []FieldError) *APIError {
	return &APIError{
		Code:    ErrCodeValidationFailed,
		Message: "入力内容に誤りがあります。",
		Data:    fields,
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
// Authorizationヘッダーの欠如、不正・期限切れトークンに使用する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:    ErrCodeUnauthenticated,
		Message: "認証されていません。",
	}
}

// NewUnauthorizedError は認証情報不一致エラーを生成する。
// ログイン時のメールアドレス未登録・パスワード不一致に使用する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:    ErrCodeUnauthorized,
		Message: "メールアドレスまたはパスワードが正しくありません。",
	}
}

// NewForbiddenError は所有者不一致エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:    ErrCodeForbidden,
		Message: "この操作を行う権限がありません。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:    ErrCodePostNotFound,
		Message: fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
	}
}

// NewUserNotFoundError はユーザー未検出エラーを生成する。
// トークンは有効だが対応するユーザーレコードが既に存在しない場合にも使用する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:    ErrCodeUserNotFound,
		Message: "ユーザーが見つかりません。",
	}
}

// NewInternalError は内部エラーを生成する。
// 具体的な原因はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError(message string) *APIError {
	return &APIError{
		Code:    ErrCodeInternal,
		Message: message,
	}
}
