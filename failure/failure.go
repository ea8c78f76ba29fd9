// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package failure defines the error taxonomy shared by the relay pipeline.
// Every error carries a coarse Kind, used for retry decisions, and a stable
// Code, used in log records and dead-letter reasons.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the pipeline should react to it.
type Kind string

const (
	KindConnection     Kind = "connection"
	KindValidation     Kind = "validation"
	KindResponse       Kind = "response"
	KindRetryExhausted Kind = "retry_exhausted"
	KindRouting        Kind = "routing"
	KindConfig         Kind = "config"
	KindSystem         Kind = "system"
)

// Code is a stable, log-friendly error identifier.
type Code string

// Queue service errors.
const (
	CodeQueueConnection  Code = "SQS-1001"
	CodeQueueSend        Code = "SQS-1002"
	CodeQueueDelete      Code = "SQS-1003"
	CodeQueueReceive     Code = "SQS-1004"
	CodeVisibilityUpdate Code = "SQS-1005"
	CodeDeadLetterMove   Code = "SQS-1006"
)

// Message processing errors.
const (
	CodeProcessing    Code = "MSG-2001"
	CodeNullMessage   Code = "MSG-2002"
	CodeSizeExceeded  Code = "MSG-2003"
	CodeMessageFormat Code = "MSG-2004"
	CodeInvalidJSON   Code = "MSG-2005"
)

// Retry errors.
const (
	CodeRetryLimitExceeded Code = "RTY-3001"
)

// Sink errors.
const (
	CodeSinkConnection Code = "API-4001"
	CodeSinkTimeout    Code = "API-4002"
	CodeSinkResponse   Code = "API-4003"
)

// Configuration and system errors.
const (
	CodeConfigMissing Code = "CFG-5001"
	CodeConfigInvalid Code = "CFG-5002"
	CodeSystem        Code = "SYS-9001"
	CodeUnexpected    Code = "SYS-9002"
)

var descriptions = map[Code]string{
	CodeQueueConnection:    "failed to connect to queue service",
	CodeQueueSend:          "failed to send message to queue",
	CodeQueueDelete:        "failed to delete message from queue",
	CodeQueueReceive:       "failed to receive messages from queue",
	CodeVisibilityUpdate:   "failed to update message visibility timeout",
	CodeDeadLetterMove:     "failed to move message to dead letter queue",
	CodeProcessing:         "failed to process message",
	CodeNullMessage:        "message or message body is absent",
	CodeSizeExceeded:       "message size exceeds maximum limit",
	CodeMessageFormat:      "invalid message format",
	CodeInvalidJSON:        "invalid JSON format in message",
	CodeRetryLimitExceeded: "exceeded maximum retry attempts",
	CodeSinkConnection:     "failed to connect to sink",
	CodeSinkTimeout:        "sink request timed out",
	CodeSinkResponse:       "invalid response from sink",
	CodeConfigMissing:      "required configuration is missing",
	CodeConfigInvalid:      "invalid configuration value",
	CodeSystem:             "internal system error",
	CodeUnexpected:         "an unexpected error occurred",
}

// Describe returns the human-readable description of a code.
func (c Code) Describe() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return "unknown error"
}

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

// New creates a classified error. Message adds context to the code
// description and may be empty.
func New(kind Kind, code Code, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Code.Describe())
	if e.Message != "" {
		s += " - " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindSystem if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindSystem
}

// CodeOf returns the code of the first classified error in err's chain,
// or CodeUnexpected if there is none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnexpected
}

// IsPermanent reports whether retrying cannot fix err.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}
