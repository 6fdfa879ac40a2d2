// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"credential-custody-service/internal/domain"
	"credential-custody-service/internal/middleware"
	"credential-custody-service/internal/usecase"
	"credential-custody-service/pkg/httputil"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// SubscriptionHandler はサブスクリプションAPIのHTTPハンドラ。
type SubscriptionHandler struct {
	service *usecase.SubscriptionService
}

// NewSubscriptionHandler は新しいSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service *usecase.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

func validateSubscriptionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrInvalidSubscriptionID
	}
	return nil
}

func validateUserID(userID string) error {
	if userID == "" || len(userID) > 64 || !userIDRegex.MatchString(userID) {
		return domain.ErrInvalidUserID
	}
	return nil
}

// CreateSubscriptionRequest は作成リクエストの形式。
type CreateSubscriptionRequest struct {
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	MaxMembers int    `json:"max_members"`
	Secret     string `json:"secret,omitempty"`
}

// CredentialRequest は認証情報の登録リクエストの形式。
type CredentialRequest struct {
	Secret string `json:"secret"`
}

// RevealRequest は認証情報の開示リクエストの形式。
type RevealRequest struct {
	RequesterID string `json:"requester_id"`
}

// RevealResponse は開示した認証情報のレスポンス形式。
type RevealResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Secret         string `json:"secret"`
}

// MemberRequest はメンバー追加リクエストの形式。
type MemberRequest struct {
	UserID string `json:"user_id"`
}

// CloseRequest は終了リクエストの形式。ボディは省略できる。
type CloseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EventResponse は履歴1件のレスポンス形式。
type EventResponse struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredOn string          `json:"occurred_on"`
	RecordedAt string          `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// HistoryResponse は履歴のレスポンス形式。
type HistoryResponse struct {
	SubscriptionID string          `json:"subscription_id"`
	Events         []EventResponse `json:"events"`
}

// CreateSubscription は新しいサブスクリプションを作成する。
func (h *SubscriptionHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := validateUserID(req.OwnerID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid owner ID format")
		return
	}
	if req.Name == "" || len(req.Name) > 255 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name must be 1 to 255 characters")
		return
	}

	sub, err := h.service.CreateSubscription(r.Context(), req.OwnerID, req.Name, req.MaxMembers, req.Secret)
	h.respond(w, r, "CREATE_SUBSCRIPTION", "", http.StatusCreated, sub, err)
}

// GetSubscription はサブスクリプションを取得する。認証情報は含まない。
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetSubscription(r.Context(), id)
	if err != nil {
		h.fail(w, r, "GET_SUBSCRIPTION", id, err)
		return
	}
	httputil.JSON(w, http.StatusOK, view)
}

// CloseSubscription はサブスクリプションを終了する。
// purge=true の場合は終了済みのサブスクリプションを削除する。
func (h *SubscriptionHandler) CloseSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("purge") == "true" {
		h.deleteSubscription(w, r, id)
		return
	}

	var req CloseRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
			return
		}
	}

	sub, err := h.service.CloseSubscription(r.Context(), id, req.Reason)
	h.respond(w, r, "CLOSE_SUBSCRIPTION", id, http.StatusOK, sub, err)
}

func (h *SubscriptionHandler) deleteSubscription(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.service.DeleteSubscription(r.Context(), id); err != nil {
		h.fail(w, r, "DELETE_SUBSCRIPTION", id, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "DELETE_SUBSCRIPTION", id, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}

// SetCredential は認証情報を登録またはローテーションする。
func (h *SubscriptionHandler) SetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	var req CredentialRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil || req.Secret == "" {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "secret is required")
		return
	}

	sub, err := h.service.SetCredential(r.Context(), id, req.Secret)
	h.respond(w, r, "SET_CREDENTIAL", id, http.StatusOK, sub, err)
}

// RevokeCredential は認証情報を破棄する。
func (h *SubscriptionHandler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}

	sub, err := h.service.RevokeCredential(r.Context(), id)
	h.respond(w, r, "REVOKE_CREDENTIAL", id, http.StatusOK, sub, err)
}

// RevealCredential はアクセス権を持つ利用者に認証情報を返す。
func (h *SubscriptionHandler) RevealCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	var req RevealRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := validateUserID(req.RequesterID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid requester ID format")
		return
	}

	secret, err := h.service.RevealCredential(r.Context(), id, req.RequesterID)
	if err != nil {
		h.fail(w, r, "REVEAL_CREDENTIAL", id, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REVEAL_CREDENTIAL", id, middleware.ResultSuccess)
	w.Header().Set("Cache-Control", "no-store")
	httputil.JSON(w, http.StatusOK, RevealResponse{SubscriptionID: id, Secret: secret})
}

// AddMember はメンバーを追加する。
func (h *SubscriptionHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	var req MemberRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := validateUserID(req.UserID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID format")
		return
	}

	sub, err := h.service.AddMember(r.Context(), id, req.UserID)
	h.respond(w, r, "ADD_MEMBER", id, http.StatusOK, sub, err)
}

// RevokeMember はメンバーのアクセス権を取り消す。
func (h *SubscriptionHandler) RevokeMember(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "user_id")
	if err := validateUserID(userID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID format")
		return
	}

	sub, err := h.service.RevokeMember(r.Context(), id, userID)
	h.respond(w, r, "REVOKE_MEMBER", id, http.StatusOK, sub, err)
}

// History はサブスクリプションのイベント履歴を返す。
func (h *SubscriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}

	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, "HISTORY", id, err)
		return
	}

	resp := HistoryResponse{SubscriptionID: id, Events: make([]EventResponse, len(events))}
	for i, e := range events {
		resp.Events[i] = EventResponse{
			EventID:    e.ID,
			EventType:  e.EventType,
			OccurredOn: e.OccurredOn.UTC().Format(time.RFC3339Nano),
			RecordedAt: e.RecordedAt.UTC().Format(time.RFC3339Nano),
			Payload:    json.RawMessage(e.Payload),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func subscriptionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "subscription_id")
	if err := validateSubscriptionID(id); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SUBSCRIPTION_ID", "invalid subscription ID format")
		return "", false
	}
	return id, true
}

// respond は変更系操作の結果を返す。保存済みでイベント配信だけが残っている場合は
// 202 で保存後の表現を返し、配信はアウトボックスから再試行される。
func (h *SubscriptionHandler) respond(w http.ResponseWriter, r *http.Request, operation, subscriptionID string, status int, sub *domain.SharedSubscription, err error) {
	if sub != nil {
		subscriptionID = sub.ID()
	}
	switch {
	case err == nil:
		middleware.WriteAuditLog(r.Context(), operation, subscriptionID, middleware.ResultSuccess)
		httputil.JSON(w, status, domain.NewSubscriptionView(sub))
	case sub != nil && errors.Is(err, domain.ErrDeliveryPending):
		slog.WarnContext(r.Context(), "change saved, event delivery pending",
			"operation", operation,
			"subscription_id", subscriptionID,
			"error", err,
		)
		middleware.WriteAuditLog(r.Context(), operation, subscriptionID, middleware.ResultSuccess)
		httputil.JSON(w, http.StatusAccepted, domain.NewSubscriptionView(sub))
	default:
		h.fail(w, r, operation, subscriptionID, err)
	}
}

// fail はエラーをレスポンスに変換する。内部エラーの種類や本文は返さない。
func (h *SubscriptionHandler) fail(w http.ResponseWriter, r *http.Request, operation, subscriptionID string, err error) {
	middleware.WriteAuditLog(r.Context(), operation, subscriptionID, middleware.ResultFailed)

	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		httputil.Error(w, http.StatusNotFound, "SUBSCRIPTION_NOT_FOUND", "subscription not found")
	case errors.Is(err, domain.ErrAccessDenied):
		httputil.Error(w, http.StatusForbidden, "ACCESS_DENIED", "access denied")
	case errors.Is(err, domain.ErrInvalidUserID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID format")
	case errors.Is(err, domain.ErrInvalidMaxMembers), errors.Is(err, domain.ErrEmptySecret):
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request")
	case errors.Is(err, domain.ErrDomainValidation):
		httputil.Error(w, http.StatusConflict, "OPERATION_REJECTED", "the subscription does not allow this operation")
	case errors.Is(err, domain.ErrConcurrentModification):
		httputil.Error(w, http.StatusConflict, "CONFLICT", httputil.GenericErrorMessage)
	case errors.Is(err, domain.ErrTimeout):
		httputil.Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", httputil.GenericErrorMessage)
	default:
		slog.ErrorContext(r.Context(), "request failed",
			"operation", operation,
			"subscription_id", subscriptionID,
			"error", err,
		)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", httputil.GenericErrorMessage)
	}
}
