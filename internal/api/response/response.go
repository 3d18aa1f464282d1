// Package response writes the control API's JSON envelope.
package response

import (
	"encoding/json"
	"net/http"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// Response is the envelope of every control API reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// JSON writes data with statusCode.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

// Success writes data with 200.
func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Created writes data with 201.
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// Error writes an error reply.
func Error(w http.ResponseWriter, statusCode int, code errs.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   message,
		Code:    string(code),
	})
}

// BadRequest writes a 400 reply.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, errs.ErrInvalid, message)
}

// Unauthorized writes a 401 reply.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, errs.ErrUnauthorized, message)
}

// NotFound writes a 404 reply.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, errs.ErrNotFound, message)
}

// FromError maps an AppError code to its HTTP status and writes the reply.
// Errors without a code are reported as internal without their text.
func FromError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	status := StatusOf(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	Error(w, status, code, message)
}

// StatusOf returns the HTTP status for an error code.
func StatusOf(code errs.ErrorCode) int {
	switch code {
	case errs.ErrNotFound:
		return http.StatusNotFound
	case errs.ErrInvalid, errs.ErrValidation:
		return http.StatusBadRequest
	case errs.ErrUnauthorized:
		return http.StatusUnauthorized
	case errs.ErrRateLimited:
		return http.StatusTooManyRequests
	case errs.ErrSyncOffline:
		return http.StatusServiceUnavailable
	case errs.ErrSyncConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
