// Package cleanup は孤児画像ファイルの自動削除ジョブを提供する。
// 投稿の削除は画像ファイルと投稿レコードを独立に消すため、途中でクラッシュすると
// どの投稿からも参照されない画像ファイルが残ることがある。このジョブは
// 日次バッチでそれらを掃除する補償処理であり、冪等に動作する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ImageURLLister は全投稿の画像URL取得のためのインターフェース。
// repository.PostRepositoryの部分集合として定義する。
type ImageURLLister interface {
	ListImageURLs(ctx context.Context) ([]string, error)
}

// CleanupJob はどの投稿からも参照されない画像ファイルの自動削除ジョブ。
// アップロード直後でまだレコードが作られていないファイルを巻き込まないよう、
// 最終更新からMinAgeを経過したファイルのみを削除対象とする。
type CleanupJob struct {
	posts    ImageURLLister
	imageDir string
	logger   *slog.Logger
	MinAge   time.Duration // 削除対象とみなす最小経過時間（デフォルト: 24時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(posts ImageURLLister, imageDir string, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		posts:    posts,
		imageDir: imageDir,
		logger:   logger,
		MinAge:   24 * time.Hour,
	}
}

// Run は参照されていない古い画像ファイルを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	urls, err := j.posts.ListImageURLs(ctx)
	if err != nil {
		j.logger.Error("参照中画像URLの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("参照中画像URLの取得に失敗: %w", err)
	}

	referenced := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		referenced[filepath.Base(url)] = struct{}{}
	}

	entries, err := os.ReadDir(j.imageDir)
	if err != nil {
		j.logger.Error("画像ディレクトリの読み取りに失敗しました",
			slog.String("dir", j.imageDir),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("画像ディレクトリの読み取りに失敗: %w", err)
	}

	cutoff := time.Now().Add(-j.MinAge)
	var deletedCount int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := referenced[entry.Name()]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(j.imageDir, entry.Name())); err != nil {
			j.logger.Warn("孤児画像の削除に失敗しました",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		deletedCount++
	}

	duration := time.Since(start)
	j.logger.Info("孤児画像クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
