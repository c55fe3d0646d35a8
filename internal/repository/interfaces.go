// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/postboard/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は指定メールアドレスのユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// UpdateStatus は指定IDのユーザーのステータスを上書きする。
	UpdateStatus(ctx context.Context, id, status string) error
}

// PostRepository は投稿データの永続化インターフェース。
// 所有者の投稿一覧はposts.creator_idの外部キーとして表現される。
// 追加は投稿のINSERT、所有者側の参照解除は投稿行のDELETEに対応する。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// FindByIDWithCreator は指定IDの投稿を所有者名付きで取得する。
	// 見つからない場合はnilを返す。
	FindByIDWithCreator(ctx context.Context, id string) (*model.PostWithCreator, error)

	// List は投稿を作成日時順（挿入順）に所有者名付きで取得する。
	List(ctx context.Context, offset, limit int) ([]*model.PostWithCreator, error)

	// Count は投稿の総数を返す。
	Count(ctx context.Context) (int, error)

	// Create は投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// Update は投稿のタイトル・本文・画像URL・更新日時を上書きする。
	Update(ctx context.Context, post *model.Post) error

	// DeleteByID は指定IDの投稿を削除する。
	DeleteByID(ctx context.Context, id string) error

	// ListImageURLs は全投稿の画像URLを返す。孤児画像の掃除で使用する。
	ListImageURLs(ctx context.Context) ([]string, error)
}
