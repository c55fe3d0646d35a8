// Package model はドメインモデルを定義する。
package model

import "time"

// Post はユーザーが投稿したコンテンツを表す。
// 投稿は常にちょうど1人の所有者（CreatorID）を持つ。
type Post struct {
	ID        string
	Title     string
	Content   string
	ImageURL  string
	CreatorID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PostWithCreator は投稿に所有者の表示名を解決して付与したもの。
// 一覧・詳細APIでは所有者のフルレコードではなく表示名のみを返す。
type PostWithCreator struct {
	Post
	CreatorName string
}
