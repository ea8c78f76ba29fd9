// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue defines the contract between the relay consumer and the
// queue service it reads from and dead-letters into.
package queue

import (
	"context"
	"errors"
	"time"
)

// Attribute names attached to dead-lettered messages.
const (
	AttrOriginalMessageID = "OriginalMessageId"
	AttrFailureReason     = "FailureReason"
)

var (
	ErrReceiptNotFound = errors.New("receipt handle not found")
	ErrEmptyBody       = errors.New("message body is empty")
	ErrClosed          = errors.New("queue is closed")
)

// Sender publishes messages to a queue.
type Sender interface {
	// Send enqueues body with the given string attributes and returns the
	// service-assigned message identifier.
	Send(ctx context.Context, body []byte, attrs map[string]string) (string, error)
}

// Service is an at-least-once queue bound to a single queue URL.
type Service interface {
	Sender

	// Receive returns up to max visible messages, waiting at most wait for
	// the first one to arrive. An empty result is not an error.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete removes the delivery identified by receiptHandle.
	Delete(ctx context.Context, receiptHandle string) error

	// ChangeVisibility hides the delivery identified by receiptHandle from
	// other consumers for timeout, counted from now.
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}
