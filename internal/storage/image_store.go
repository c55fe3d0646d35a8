// Package storage はアップロード画像のディスク保存を提供する。
package storage

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// PublicPathPrefix は保存画像の公開URLパスの接頭辞。
// 保存された画像はこのパスの下で静的配信される。
const PublicPathPrefix = "images/"

// ErrUnsupportedImageType は許可されていない画像形式のアップロードを表す。
// png / jpg / jpeg のみ受け付ける。
var ErrUnsupportedImageType = errors.New("unsupported image type")

// allowedImageTypes はhttp.DetectContentTypeの判定結果のうち受け付けるもの。
var allowedImageTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
}

// ImageStore はアップロード画像をローカルディスクに保存するストア。
// ファイル名はUUID + 元のファイル名で一意化する。
type ImageStore struct {
	dir string
}

// NewImageStore はImageStoreを生成する。保存先ディレクトリがなければ作成する。
func NewImageStore(dir string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	return &ImageStore{dir: dir}, nil
}

// Dir は保存先ディレクトリを返す。静的配信と掃除ジョブで使用する。
func (s *ImageStore) Dir() string {
	return s.dir
}

// Save はアップロードされたファイルを検査して保存し、公開URLパスと
// 書き込んだバイト数を返す。先頭512バイトのスニッフィングでpng/jpeg以外は
// ErrUnsupportedImageTypeを返し、何も保存しない。
func (s *ImageStore) Save(file multipart.File, header *multipart.FileHeader) (string, int64, error) {
	head := make([]byte, 512)
	n, err := file.Read(head)
	if err != nil && err != io.EOF {
		return "", 0, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]

	contentType := http.DetectContentType(head)
	if _, ok := allowedImageTypes[contentType]; !ok {
		return "", 0, ErrUnsupportedImageType
	}

	name := uuid.New().String() + "-" + sanitizeFilename(header.Filename)
	path := filepath.Join(s.dir, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create image file: %w", err)
	}
	defer dst.Close()

	written, err := dst.Write(head)
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to write image file: %w", err)
	}

	rest, err := io.Copy(dst, file)
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to write image file: %w", err)
	}

	return PublicPathPrefix + name, int64(written) + rest, nil
}

// Delete は公開URLパスで指定された保存画像を削除する。
// ディレクトリトラバーサルを防ぐため、ファイル名部分のみを使用する。
func (s *ImageStore) Delete(imageURL string) error {
	name := filepath.Base(strings.TrimPrefix(imageURL, PublicPathPrefix))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return fmt.Errorf("invalid image path: %s", imageURL)
	}

	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	return nil
}

// sanitizeFilename は元のファイル名からパス要素を取り除き、
// 空白をアンダースコアに置き換える。
func sanitizeFilename(filename string) string {
	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	return strings.ReplaceAll(name, " ", "_")
}
