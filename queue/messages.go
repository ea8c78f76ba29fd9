// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

// Message is a single delivery of a queued message. ID is stable across
// redeliveries while ReceiptHandle is unique to this delivery.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	Attributes    map[string]string
	ReceiveCount  int
}

// Attribute returns the named attribute, or "" if it is not set.
func (m Message) Attribute(name string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[name]
}

// CopyAttributes returns a copy of attrs that is safe to retain.
func CopyAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
