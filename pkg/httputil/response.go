// Package httputil はHTTPレスポンス生成のユーティリティを提供する。
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// GenericErrorMessage は内部エラーの種類を利用者に見せないための共通メッセージ。
const GenericErrorMessage = "operation failed, try again"

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 64 << 10

// ErrorResponse はエラーレスポンスの形式。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON はJSONレスポンスを返す。
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// ヘッダーは送信済みのためログのみ
			slog.Error("failed to encode response", "status", status, "error", err)
		}
	}
}

// Error はエラーレスポンスを返す。
func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// DecodeJSON はリクエストボディを dst に読み込む。未知のフィールドと後続データは拒否する。
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	if dec.More() {
		return errors.New("decoding request body: unexpected trailing data")
	}
	return nil
}
