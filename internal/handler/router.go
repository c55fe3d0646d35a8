package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postboard/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なインターフェース。
// sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	MetricsMiddleware func(next http.Handler) http.Handler
	MetricsHandler    http.Handler

	// 認証
	AuthService AuthServiceInterface

	// フィード
	FeedService   FeedServiceInterface
	ImageSaver    ImageSaver
	ImageMetrics  ImageMetrics
	MaxUploadSize int64

	// 静的配信
	ImageDir string

	// ヘルスチェック
	HealthChecker HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Logging → Recovery → Metrics
//
// 認証ルート（/auth/*）、ヘルスチェック、メトリクス、画像の静的配信は
// 認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware())
	if deps.MetricsMiddleware != nil {
		r.Use(deps.MetricsMiddleware)
	}

	authHandler := NewAuthHandler(deps.AuthService)
	feedHandler := NewFeedHandler(deps.FeedService, deps.ImageSaver, deps.ImageMetrics, deps.MaxUploadSize)

	// --- 認証不要のルート ---

	r.Get("/health", newHealthHandler(deps.HealthChecker))

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// アップロード画像の静的配信
	r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(http.Dir(deps.ImageDir))))

	r.Route("/auth", func(r chi.Router) {
		r.Put("/signup", authHandler.Signup)
		r.Post("/login", authHandler.Login)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/feed", func(r chi.Router) {
			r.Get("/posts", feedHandler.ListPosts)

			// POST /feed/post - 投稿作成（アップロード専用レート制限を追加）
			r.With(deps.RateLimiter.UploadMiddleware()).Post("/post", feedHandler.CreatePost)

			r.Route("/post/{postId}", func(r chi.Router) {
				r.Get("/", feedHandler.GetPost)
				r.Put("/", feedHandler.UpdatePost)
				r.Delete("/", feedHandler.DeletePost)
			})

			r.Get("/status", feedHandler.GetStatus)
			r.Patch("/status", feedHandler.UpdateStatus)
		})
	})

	return r
}

// newHealthHandler はヘルスチェックのハンドラーを返す。
// DB接続の確認に失敗した場合は503を返す。
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
