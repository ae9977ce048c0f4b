// Package cmn provides common low-level types and utilities shared by every
// package in the broker: the error taxonomy, global configuration, id
// generation, and JSON helpers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"net/http"
	"strings"
)

// Error taxonomy (spec §7). Every error the orchestrator, dispatcher, and
// registry produce is one of these so that the HTTP surface can map it to
// a status code without inspecting strings.
type ErrCode int

const (
	ErrNoExecutors ErrCode = iota
	ErrExecutorGone
	ErrGatewayTimeout
	ErrBadGateway
	ErrAPI // upstream (cloud-side) error, passed through as-is
	ErrNotFound
	ErrInvalidSize
	ErrOffsetMismatch
	ErrInvalidCommand
	ErrRebuildFailed
	ErrInternal
)

// BrokerError is the single error type every core component returns for
// flow-control purposes. Wrap lower-level errors with pkg/errors.Wrap
// before they cross a package boundary if more context is useful; once
// classified into a BrokerError no further wrapping should lose the Code.
type BrokerError struct {
	Code    ErrCode
	Message string
	// APICode/APIDetail carry a passthrough cloud-side error (ErrAPI only).
	APICode   int
	APIDetail interface{}
}

func (e *BrokerError) Error() string {
	if e.Code == ErrAPI {
		return fmt.Sprintf("api error %d: %s", e.APICode, e.Message)
	}
	return e.Message
}

// Status maps a BrokerError onto the HTTP status the caller surface returns.
func (e *BrokerError) Status() int {
	switch e.Code {
	case ErrNoExecutors, ErrExecutorGone:
		return http.StatusServiceUnavailable
	case ErrGatewayTimeout:
		return http.StatusGatewayTimeout
	case ErrBadGateway:
		return http.StatusBadGateway
	case ErrAPI:
		if e.APICode != 0 {
			return e.APICode
		}
		return http.StatusBadGateway
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidSize, ErrOffsetMismatch, ErrInvalidCommand:
		return http.StatusBadRequest
	case ErrRebuildFailed, ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func NewErr(code ErrCode, format string, a ...interface{}) *BrokerError {
	return &BrokerError{Code: code, Message: fmt.Sprintf(format, a...)}
}

func NewAPIErr(code int, detail interface{}, message string) *BrokerError {
	return &BrokerError{Code: ErrAPI, Message: message, APICode: code, APIDetail: detail}
}

// AsBrokerError unwraps err into a *BrokerError, classifying anything
// unrecognized as ErrInternal so that callers never have to type-switch
// on raw errors.
func AsBrokerError(err error) *BrokerError {
	if err == nil {
		return nil
	}
	if be, ok := err.(*BrokerError); ok {
		return be
	}
	return NewErr(ErrInternal, "%v", err)
}

func IsNotFound(err error) bool {
	be, ok := err.(*BrokerError)
	return ok && be.Code == ErrNotFound
}

// IsFileNotFoundMsg reports whether an upstream error message matches the
// "file expired/not found" condition the orchestrator's rebuild-on-expire
// retry (spec §4.9 step 6) watches for.
func IsFileNotFoundMsg(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found")
}
