// Package apperr は API 共通のエラー型と JSON エラーレスポンスを提供します。
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// 共通のエラーコード
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA"
	CodeRequestCanceled  = "REQUEST_CANCELED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error はクライアントへ返すコードとメッセージを持つエラーです。
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is はコードが一致する場合に true を返します。
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// New はステータスとコードを指定してエラーを作成します。
func New(status int, code, message string, err error) *Error {
	return &Error{Status: status, Code: code, Message: message, Err: err}
}

func Invalid(message string) *Error {
	return New(http.StatusBadRequest, CodeInvalidInput, message, nil)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(code, message string) *Error {
	return New(http.StatusNotFound, code, message, nil)
}

func Conflict(code, message string) *Error {
	return New(http.StatusConflict, code, message, nil)
}

// CodeOf はエラーに含まれるコードを返します。該当しない場合は空文字です。
func CodeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Respond はエラーを {"code","message"} 形式の JSON で返します。
func Respond(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		if status >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    CodeRequestCanceled,
			"message": "リクエストがキャンセルされました。",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
