package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/postboard/internal/auth"
	"github.com/hitoshi/postboard/internal/feed"
	"github.com/hitoshi/postboard/internal/metrics"
	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/security"
	"github.com/hitoshi/postboard/internal/storage"
)

// --- インメモリリポジトリ ---

type memUserRepo struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*model.User)}
}

func (r *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memUserRepo) UpdateStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("user not found: %s", id)
	}
	u.Status = status
	return nil
}

type memPostRepo struct {
	mu    sync.RWMutex
	posts map[string]*model.Post
	users *memUserRepo
}

func newMemPostRepo(users *memUserRepo) *memPostRepo {
	return &memPostRepo{posts: make(map[string]*model.Post), users: users}
}

func (r *memPostRepo) FindByID(_ context.Context, id string) (*model.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.posts[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *memPostRepo) FindByIDWithCreator(ctx context.Context, id string) (*model.PostWithCreator, error) {
	post, err := r.FindByID(ctx, id)
	if err != nil || post == nil {
		return nil, err
	}
	user, err := r.users.FindByID(ctx, post.CreatorID)
	if err != nil {
		return nil, err
	}
	name := ""
	if user != nil {
		name = user.Name
	}
	return &model.PostWithCreator{Post: *post, CreatorName: name}, nil
}

func (r *memPostRepo) List(ctx context.Context, offset, limit int) ([]*model.PostWithCreator, error) {
	r.mu.RLock()
	all := make([]*model.Post, 0, len(r.posts))
	for _, p := range r.posts {
		cp := *p
		all = append(all, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	result := make([]*model.PostWithCreator, 0, end-offset)
	for _, p := range all[offset:end] {
		pwc, err := r.FindByIDWithCreator(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, pwc)
	}
	return result, nil
}

func (r *memPostRepo) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.posts), nil
}

func (r *memPostRepo) Create(_ context.Context, post *model.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *post
	r.posts[post.ID] = &cp
	return nil
}

func (r *memPostRepo) Update(_ context.Context, post *model.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.posts[post.ID]; !ok {
		return fmt.Errorf("post not found: %s", post.ID)
	}
	cp := *post
	r.posts[post.ID] = &cp
	return nil
}

func (r *memPostRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.posts[id]; !ok {
		return fmt.Errorf("post not found: %s", id)
	}
	delete(r.posts, id)
	return nil
}

func (r *memPostRepo) ListImageURLs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	urls := make([]string, 0, len(r.posts))
	for _, p := range r.posts {
		if p.ImageURL != "" {
			urls = append(urls, p.ImageURL)
		}
	}
	return urls, nil
}

// --- 結合テスト環境 ---

type testEnv struct {
	router   http.Handler
	imageDir string
}

// newTestEnv は本物のサービス・ストレージ・ルーターをインメモリリポジトリと
// 一時ディレクトリで構成した結合テスト環境を返す。
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	userRepo := newMemUserRepo()
	postRepo := newMemPostRepo(userRepo)

	imageDir := t.TempDir()
	imageStore, err := storage.NewImageStore(imageDir)
	if err != nil {
		t.Fatalf("failed to create image store: %v", err)
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	tm := auth.NewTokenManager([]byte("test-jwt-secret-32bytes-long!!!!"), time.Hour)
	authService := auth.NewService(userRepo, tm)
	feedService := feed.NewService(postRepo, userRepo, imageStore, security.NewContentSanitizer(), collector)

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		TokenVerifier:     tm,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),

		AuthService: authService,

		FeedService:   feedService,
		ImageSaver:    imageStore,
		ImageMetrics:  collector,
		MaxUploadSize: 5242880,

		ImageDir: imageDir,

		HealthChecker: nil,
	})

	return &testEnv{router: router, imageDir: imageDir}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := e.do(req)

	var parsed map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("%s %s: failed to parse response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, parsed
}

func (e *testEnv) doMultipart(t *testing.T, method, path, title, content, token string, image []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", title)
	mw.WriteField("content", content)
	if image != nil {
		fw, err := mw.CreateFormFile("image", "photo.png")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		fw.Write(image)
	}
	mw.Close()

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := e.do(req)

	var parsed map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("%s %s: failed to parse response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, parsed
}

func (e *testEnv) signupAndLogin(t *testing.T, email, name string) (token, userID string) {
	t.Helper()

	rec, _ := e.doJSON(t, http.MethodPut, "/auth/signup",
		fmt.Sprintf(`{"email":%q,"password":"abc12","name":%q}`, email, name), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec, body := e.doJSON(t, http.MethodPost, "/auth/login",
		fmt.Sprintf(`{"email":%q,"password":"abc12"}`, email), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	token, _ = body["token"].(string)
	userID, _ = body["userId"].(string)
	if token == "" || userID == "" {
		t.Fatalf("login response missing token/userId: %v", body)
	}
	return token, userID
}

func (e *testEnv) imageFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.imageDir)
	if err != nil {
		t.Fatalf("failed to read image dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

var pngBytes = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{0x00}, 64)...)

// TestPostLifecycle は登録からログイン・作成・一覧・更新・削除までの
// 一連のフローをルーター越しに検証する。
func TestPostLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signupAndLogin(t, "taro@example.com", "太郎")

	// 1. 画像付きで投稿を作成
	rec, body := env.doMultipart(t, http.MethodPost, "/feed/post", "最初の投稿", "これは本文です", token, pngBytes)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	post := body["post"].(map[string]interface{})
	postID := post["_id"].(string)
	imageURL := post["imageUrl"].(string)
	if !strings.HasPrefix(imageURL, "images/") {
		t.Errorf("imageUrl = %q, want images/ prefix", imageURL)
	}
	if len(env.imageFiles(t)) != 1 {
		t.Fatalf("expected 1 image file on disk, got %v", env.imageFiles(t))
	}

	// 2. 一覧に所有者名付きで現れる
	rec, body = env.doJSON(t, http.MethodGet, "/feed/posts", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	posts := body["posts"].([]interface{})
	if len(posts) != 1 {
		t.Fatalf("len(posts) = %d, want 1", len(posts))
	}
	if body["totalItems"].(float64) != 1 {
		t.Errorf("totalItems = %v, want 1", body["totalItems"])
	}
	creator := posts[0].(map[string]interface{})["creator"].(map[string]interface{})
	if creator["name"] != "太郎" {
		t.Errorf("creator.name = %q, want 太郎", creator["name"])
	}
	if creator["_id"] != userID {
		t.Errorf("creator._id = %q, want %q", creator["_id"], userID)
	}

	// 3. タイトルを更新し、詳細取得に反映される
	rec, _ = env.doMultipart(t, http.MethodPut, "/feed/post/"+postID, "更新後のタイトル", "これは本文です", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec, body = env.doJSON(t, http.MethodGet, "/feed/post/"+postID, "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	got := body["post"].(map[string]interface{})
	if got["title"] != "更新後のタイトル" {
		t.Errorf("title = %q, want 更新後のタイトル", got["title"])
	}
	// 画像を差し替えていないので元の画像URLのまま
	if got["imageUrl"] != imageURL {
		t.Errorf("imageUrl = %q, want %q", got["imageUrl"], imageURL)
	}

	// 4. 削除すると一覧から消え、画像ファイルも消える
	rec, _ = env.doJSON(t, http.MethodDelete, "/feed/post/"+postID, "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec, body = env.doJSON(t, http.MethodGet, "/feed/posts", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("list after delete: status = %d", rec.Code)
	}
	if body["totalItems"].(float64) != 0 {
		t.Errorf("totalItems = %v, want 0", body["totalItems"])
	}
	if files := env.imageFiles(t); len(files) != 0 {
		t.Errorf("expected no image files on disk, got %v", files)
	}
}

// TestPagination はページサイズ2での一覧の分割を検証する。
func TestPagination(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signupAndLogin(t, "taro@example.com", "太郎")

	for i := 1; i <= 3; i++ {
		rec, _ := env.doMultipart(t, http.MethodPost, "/feed/post",
			fmt.Sprintf("投稿その%d", i), "これは本文です", token, pngBytes)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d: status = %d", i, rec.Code)
		}
		// 作成順を安定させる
		time.Sleep(5 * time.Millisecond)
	}

	rec, body := env.doJSON(t, http.MethodGet, "/feed/posts?page=1", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("page 1: status = %d", rec.Code)
	}
	if n := len(body["posts"].([]interface{})); n != 2 {
		t.Errorf("page 1: len(posts) = %d, want 2", n)
	}
	if body["totalItems"].(float64) != 3 {
		t.Errorf("page 1: totalItems = %v, want 3", body["totalItems"])
	}

	rec, body = env.doJSON(t, http.MethodGet, "/feed/posts?page=2", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("page 2: status = %d", rec.Code)
	}
	if n := len(body["posts"].([]interface{})); n != 1 {
		t.Errorf("page 2: len(posts) = %d, want 1", n)
	}
	if body["totalItems"].(float64) != 3 {
		t.Errorf("page 2: totalItems = %v, want 3", body["totalItems"])
	}
}

// TestOwnershipEnforcement は他人の投稿の更新・削除が403で拒否されることを検証する。
func TestOwnershipEnforcement(t *testing.T) {
	env := newTestEnv(t)
	ownerToken, _ := env.signupAndLogin(t, "owner@example.com", "所有者")
	otherToken, _ := env.signupAndLogin(t, "other@example.com", "他人")

	rec, body := env.doMultipart(t, http.MethodPost, "/feed/post", "所有者の投稿", "これは本文です", ownerToken, pngBytes)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}
	postID := body["post"].(map[string]interface{})["_id"].(string)

	// 他人による更新は403
	rec, _ = env.doMultipart(t, http.MethodPut, "/feed/post/"+postID, "乗っ取り", "これは本文です", otherToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("update by non-owner: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	// 他人による削除も403
	rec, _ = env.doJSON(t, http.MethodDelete, "/feed/post/"+postID, "", otherToken)
	if rec.Code != http.StatusForbidden {
		t.Errorf("delete by non-owner: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	// 読み取りは誰でもできる
	rec, _ = env.doJSON(t, http.MethodGet, "/feed/post/"+postID, "", otherToken)
	if rec.Code != http.StatusOK {
		t.Errorf("get by non-owner: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

// TestValidationFailure_LeavesNoOrphanImage はバリデーション失敗時に
// 保存済み画像がディスクに残らないことを検証する。
func TestValidationFailure_LeavesNoOrphanImage(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signupAndLogin(t, "taro@example.com", "太郎")

	rec, body := env.doMultipart(t, http.MethodPost, "/feed/post", "短い", "これは本文です", token, pngBytes)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	if data, ok := body["data"].([]interface{}); !ok || len(data) == 0 {
		t.Errorf("expected field errors in data, got %v", body)
	}

	if files := env.imageFiles(t); len(files) != 0 {
		t.Errorf("expected no orphan image files, got %v", files)
	}
}

// TestDuplicateSignup_Rejected は同一メールアドレスの二重登録を検証する。
func TestDuplicateSignup_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.signupAndLogin(t, "taro@example.com", "太郎")

	rec, _ := env.doJSON(t, http.MethodPut, "/auth/signup",
		`{"email":"taro@example.com","password":"abc12","name":"偽太郎"}`, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

// TestStatusFlow はステータスの初期値・取得・更新のフローを検証する。
func TestStatusFlow(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signupAndLogin(t, "taro@example.com", "太郎")

	// 登録直後はデフォルトステータス
	rec, body := env.doJSON(t, http.MethodGet, "/feed/status", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: status = %d", rec.Code)
	}
	if body["status"] != model.DefaultUserStatus {
		t.Errorf("status = %q, want default %q", body["status"], model.DefaultUserStatus)
	}

	// 更新すると次の取得に反映される
	rec, _ = env.doJSON(t, http.MethodPatch, "/feed/status", `{"status":"開発中です"}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status: status = %d", rec.Code)
	}

	rec, body = env.doJSON(t, http.MethodGet, "/feed/status", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: status = %d", rec.Code)
	}
	if body["status"] != "開発中です" {
		t.Errorf("status = %q, want 開発中です", body["status"])
	}
}

// TestContentSanitizedOnCreate は投稿本文のスクリプトが保存前に除去されることを検証する。
func TestContentSanitizedOnCreate(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signupAndLogin(t, "taro@example.com", "太郎")

	rec, body := env.doMultipart(t, http.MethodPost, "/feed/post",
		"テストタイトル", `<p>安全な本文</p><script>alert('xss')</script>`, token, pngBytes)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	content := body["post"].(map[string]interface{})["content"].(string)
	if strings.Contains(content, "<script") || strings.Contains(content, "alert") {
		t.Errorf("content = %q, script must be removed", content)
	}
	if !strings.Contains(content, "安全な本文") {
		t.Errorf("content = %q, safe text must be preserved", content)
	}
}

// TestUploadedImage_ServedStatically は保存された画像が/images/配下で配信されることを検証する。
func TestUploadedImage_ServedStatically(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signupAndLogin(t, "taro@example.com", "太郎")

	rec, body := env.doMultipart(t, http.MethodPost, "/feed/post", "テストタイトル", "これは本文です", token, pngBytes)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}
	imageURL := body["post"].(map[string]interface{})["imageUrl"].(string)

	req := httptest.NewRequest(http.MethodGet, "/"+imageURL, nil)
	imgRec := env.do(req)
	if imgRec.Code != http.StatusOK {
		t.Fatalf("image fetch: status = %d", imgRec.Code)
	}
	if !bytes.Equal(imgRec.Body.Bytes(), pngBytes) {
		t.Error("served image does not match upload")
	}

	// ファイル名が一意化されていることも確認する
	name := filepath.Base(imageURL)
	if name == "photo.png" {
		t.Error("image filename must be uniquified")
	}
}
