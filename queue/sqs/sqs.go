// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqs implements queue.Service on Amazon SQS.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/relay/queue"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxBatch is the SQS limit for MaxNumberOfMessages.
const maxBatch = 10

// maxWait is the SQS limit for WaitTimeSeconds.
const maxWait = 20 * time.Second

// API is the subset of the SQS client used by Queue.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ClientConfig holds SQS client settings.
type ClientConfig struct {
	Region string
	// Endpoint overrides the SQS endpoint, e.g. for LocalStack.
	Endpoint string
}

// NewClient builds an SQS client using the default AWS credential chain.
func NewClient(ctx context.Context, cfg ClientConfig) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Queue is a queue.Service bound to one SQS queue URL.
type Queue struct {
	api API
	url string
}

var _ queue.Service = (*Queue)(nil)

// New creates a queue for url.
func New(api API, url string) *Queue {
	return &Queue{api: api, url: url}
}

// URL returns the queue URL.
func (q *Queue) URL() string {
	return q.url
}

// Receive long-polls for up to max messages. max is capped at 10 and wait
// at 20 seconds, the SQS limits.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if max > maxBatch {
		max = maxBatch
	}
	if wait > maxWait {
		wait = maxWait
	}

	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(wait / time.Second),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := queue.Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Attributes:    convertAttributes(m.MessageAttributes),
		}
		if m.Body != nil {
			msg.Body = []byte(*m.Body)
		}
		if rc, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			msg.ReceiveCount, _ = strconv.Atoi(rc)
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// Delete deletes the delivery identified by receiptHandle.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// ChangeVisibility sets the visibility timeout of a delivery. SQS counts the
// new timeout from now and only accepts whole seconds.
func (q *Queue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}

// Send sends body with attrs attached as String message attributes.
func (q *Queue) Send(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	if len(body) == 0 {
		return "", queue.ErrEmptyBody
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if len(attrs) > 0 {
		in.MessageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			in.MessageAttributes[k] = sqstypes.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	out, err := q.api.SendMessage(ctx, in)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func convertAttributes(attrs map[string]sqstypes.MessageAttributeValue) map[string]string {
	if len(attrs) == 0 {
		return nil
	}

	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v.StringValue != nil {
			out[k] = *v.StringValue
		}
	}
	return out
}
