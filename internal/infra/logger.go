package infra

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"credential-custody-service/config"
)

// sensitiveKeys はログに値を出さない属性キー。
var sensitiveKeys = map[string]bool{
	"secret":                true,
	"master_key":            true,
	"master_key_ciphertext": true,
	"plaintext":             true,
}

// TraceHandler はトレース情報をログに付与するslogハンドラ。
type TraceHandler struct {
	handler     slog.Handler
	projectID   string
	otelEnabled bool
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
func NewTraceHandler(handler slog.Handler, cfg *config.Config) *TraceHandler {
	return &TraceHandler{
		handler:     handler,
		projectID:   cfg.GoogleCloudProject,
		otelEnabled: cfg.OtelEnabled,
	}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle はログレコードにトレース情報を付与する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.otelEnabled {
		return h.handler.Handle(ctx, r)
	}

	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		traceID := spanCtx.TraceID().String()
		spanID := spanCtx.SpanID().String()
		r.AddAttrs(
			slog.String("trace", traceID),
			slog.String("spanId", spanID),
			slog.Bool("traceSampled", spanCtx.IsSampled()),
		)

		// Google Cloud Logging連携用
		if h.projectID != "" {
			r.AddAttrs(
				slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
				slog.String("logging.googleapis.com/spanId", spanID),
			)
		}
	}
	return h.handler.Handle(ctx, r)
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{
		handler:     h.handler.WithAttrs(attrs),
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{
		handler:     h.handler.WithGroup(name),
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// redactSensitive は秘密情報を表すキーの値を伏せる。
func redactSensitive(groups []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[a.Key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// NewLogger はJSON出力のトレース情報付きロガーを生成する。
func NewLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       cfg.SlogLevel(),
		ReplaceAttr: redactSensitive,
	})
	return slog.New(NewTraceHandler(jsonHandler, cfg))
}

// SetupLogger はトレース情報付きのグローバルロガーを設定する。
func SetupLogger(cfg *config.Config) {
	slog.SetDefault(NewLogger(os.Stdout, cfg))
}
