// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"errors"
	"fmt"
)

// ServerError is an error reported by the server for one request
type ServerError struct {
	Status    string
	Substatus string
	Message   string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// NewServerError creates a ServerError with a formatted message
func NewServerError(status, format string, args ...any) *ServerError {
	return &ServerError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// ErrorStatus returns the status of a ServerError in err's chain, or
// INTERNAL_ERROR for any other error
func ErrorStatus(err error) string {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusInternalError
}

// ErrorMessage converts a server ERROR frame into a ServerError
func ErrorMessage(msg *ServerMessage) *ServerError {
	return &ServerError{Status: msg.Status, Substatus: msg.Substatus, Message: msg.Error}
}
