package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"credential-custody-service/config"
	"credential-custody-service/internal/middleware"
)

// NewRouter はルーターを生成する。OTEL_ENABLED の場合は otelhttp でラップする。
func NewRouter(h *SubscriptionHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ルート定義
	r.Route("/v1/subscriptions", func(r chi.Router) {
		r.Post("/", h.CreateSubscription)
		r.Route("/{subscription_id}", func(r chi.Router) {
			r.Get("/", h.GetSubscription)
			r.Delete("/", h.CloseSubscription)
			r.Get("/events", h.History)
			r.Put("/credential", h.SetCredential)
			r.Delete("/credential", h.RevokeCredential)
			r.Post("/credential/reveal", h.RevealCredential)
			r.Post("/members", h.AddMember)
			r.Delete("/members/{user_id}", h.RevokeMember)
		})
	})

	if !cfg.OtelEnabled {
		return r
	}
	return otelhttp.NewHandler(r, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/healthz"
		}),
	)
}

// readHeaderTimeout はサーバーのヘッダー読み込み期限。
const readHeaderTimeout = 10 * time.Second

// NewServer はHTTPサーバーを生成する。
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
