// Package model はドメインモデルを定義する。
package model

import "time"

// DefaultUserStatus は新規ユーザーの初期ステータス。
const DefaultUserStatus = "よろしくお願いします！"

// User はサービス利用ユーザーを表す。
// PasswordHashはリポジトリ境界の外に公開してはならない
// （ハンドラーのレスポンスDTOには含めない）。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
