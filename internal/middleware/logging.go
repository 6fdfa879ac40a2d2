// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog は操作単位の監査ログを出力する。秘密情報は渡さないこと。
func WriteAuditLog(ctx context.Context, operation, subscriptionID, result string) {
	slog.InfoContext(ctx, "subscription operation completed",
		"operation", operation,
		"subscription_id", subscriptionID,
		"request_id", chimiddleware.GetReqID(ctx),
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}

// RequestLogger はリクエストごとにアクセスログを構造化ログで出力する。
// リクエストボディは出力しない。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
