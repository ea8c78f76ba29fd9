// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/relay/failure"
	"github.com/absmach/relay/queue"
)

// VisibilityExtender hides in-flight messages from other consumers.
type VisibilityExtender struct {
	source queue.Service
	logger *slog.Logger
}

// NewVisibilityExtender creates an extender for source.
func NewVisibilityExtender(source queue.Service, logger *slog.Logger) *VisibilityExtender {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisibilityExtender{source: source, logger: logger}
}

// Extend hides msg for timeout from now. A failure is logged and returned;
// the worst case is an early redelivery.
func (v *VisibilityExtender) Extend(ctx context.Context, msg queue.Message, timeout time.Duration) error {
	if err := v.source.ChangeVisibility(ctx, msg.ReceiptHandle, timeout); err != nil {
		ferr := failure.New(failure.KindConnection, failure.CodeVisibilityUpdate, fmt.Sprintf("message %s", msg.ID), err)
		v.logger.Warn("visibility_extend_failed",
			slog.String("code", string(ferr.Code)),
			slog.String("message_id", msg.ID),
			slog.Duration("timeout", timeout),
			slog.String("error", err.Error()))
		return ferr
	}

	v.logger.Debug("visibility extended",
		slog.String("message_id", msg.ID),
		slog.Duration("timeout", timeout))
	return nil
}
