package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced by the API boundary.
const (
	CodeValidation      = "validation_error"
	CodeConfigNotFound  = "config_not_found"
	CodeNotFound        = "not_found"
	CodeProviderTimeout = "provider_timeout"
	CodeInternal        = "internal_error"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Validation(err error) *Error {
	return New(http.StatusBadRequest, CodeValidation, err)
}

func ConfigNotFound(configID string) *Error {
	return New(http.StatusNotFound, CodeConfigNotFound, fmt.Errorf("no active mapper configuration for %q", configID))
}

func NotFound(what string) *Error {
	return New(http.StatusNotFound, CodeNotFound, errors.New(what+" not found"))
}

// From maps any error onto an API error, preserving an existing *Error.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return New(http.StatusInternalServerError, CodeInternal, err)
}
