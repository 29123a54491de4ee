// Package queue carries raw inbound gateway payloads from the webhook to
// the correlator workers. Development runs on the in-memory queue; deploys
// point at SQS.
package queue

import "context"

// Queue is the transport between the gateway and the inbound workers.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue entry. ReceiptHandle acknowledges it.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}
