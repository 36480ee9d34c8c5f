package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrRecordNotFound   = NewErr("RECORD_NOT_FOUND", "record not found", http.StatusNotFound)
	ErrInvalidRecord    = NewErr("INVALID_RECORD", "record payload failed to decode", http.StatusUnprocessableEntity)
	ErrInvalidRequest   = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrDecryptFailed    = NewErr("DECRYPT_FAILED", "content decryption failed", http.StatusUnprocessableEntity)
	ErrInvalidImage     = NewErr("INVALID_IMAGE", "image payload is not a decodable bitmap", http.StatusUnprocessableEntity)
	ErrClipboardBusy    = NewErr("CLIPBOARD_BUSY", "clipboard unavailable", http.StatusServiceUnavailable)
	ErrSyncDisabled     = NewErr("SYNC_DISABLED", "sync is not enabled", http.StatusConflict)
	ErrServiceStopped   = NewErr("SERVICE_STOPPED", "history service is shut down", http.StatusServiceUnavailable)
	ErrRateLimited      = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternal         = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrSchemaFromFuture = NewErr("SCHEMA_FROM_FUTURE", "database schema is newer than this build", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternal.Code, Msg: ErrInternal.Msg}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return ErrInternal.Status
}
