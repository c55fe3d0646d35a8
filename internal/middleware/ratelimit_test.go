package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestRateLimiter(t *testing.T, generalBurst, uploadBurst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(0.001), // 補充をほぼ止めてバーストだけで検証する
		GeneralBurst:    generalBurst,
		UploadRate:      rate.Limit(0.001),
		UploadBurst:     uploadBurst,
		CleanupInterval: time.Hour,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func doAuthedRequest(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/feed/posts", nil)
	req = req.WithContext(ContextWithUserID(req.Context(), userID))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGeneralMiddleware_AllowsWithinBurst(t *testing.T) {
	rl := newTestRateLimiter(t, 3, 1)
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := doAuthedRequest(handler, "user-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}
}

func TestGeneralMiddleware_BlocksOverBurst(t *testing.T) {
	rl := newTestRateLimiter(t, 2, 1)
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doAuthedRequest(handler, "user-1")
	doAuthedRequest(handler, "user-1")
	rec := doAuthedRequest(handler, "user-1")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response body: %v", err)
	}
	if body["message"] == "" {
		t.Error("expected non-empty message in 429 response")
	}
}

func TestGeneralMiddleware_LimitsPerUser(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// user-1がバーストを使い切ってもuser-2には影響しない
	doAuthedRequest(handler, "user-1")
	if rec := doAuthedRequest(handler, "user-1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("user-1 second request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec := doAuthedRequest(handler, "user-2"); rec.Code != http.StatusOK {
		t.Fatalf("user-2 first request: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestGeneralMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/feed/posts", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestUploadMiddleware_IndependentFromGeneralLimit(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)
	general := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	upload := rl.UploadMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 一般リミットを使い切る
	doAuthedRequest(general, "user-1")
	if rec := doAuthedRequest(general, "user-1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("general: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	// アップロードのリミットは独立して残っている
	if rec := doAuthedRequest(upload, "user-1"); rec.Code != http.StatusOK {
		t.Fatalf("upload: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRateLimiter_TracksLimiterEntries(t *testing.T) {
	rl := newTestRateLimiter(t, 5, 5)
	general := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doAuthedRequest(general, "user-1")
	doAuthedRequest(general, "user-2")
	doAuthedRequest(general, "user-1")

	if got := rl.GeneralLimiterCount(); got != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", got)
	}
	if got := rl.UploadLimiterCount(); got != 0 {
		t.Errorf("UploadLimiterCount = %d, want 0", got)
	}
}

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    1,
		UploadRate:      rate.Limit(1),
		UploadBurst:     1,
		CleanupInterval: time.Nanosecond, // TTL = 2ns: すぐに期限切れになる
	})
	defer rl.Stop()

	general := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	doAuthedRequest(general, "user-1")

	time.Sleep(10 * time.Millisecond)
	rl.cleanup()

	if got := rl.GeneralLimiterCount(); got != 0 {
		t.Errorf("GeneralLimiterCount after cleanup = %d, want 0", got)
	}
}
