package gateway

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Dummy simulates both channels with latency and occasional transient
// failures. Wire real Twilio/SendGrid clients in its place for production.
type Dummy struct {
	FailureRate int // percent, 0-100
}

func NewDummy() *Dummy { return &Dummy{FailureRate: 3} }

func (d *Dummy) SendSMS(ctx context.Context, to, body string) (string, error) {
	return d.send(ctx, "SM")
}

func (d *Dummy) SendEmail(ctx context.Context, to, from, subject, htmlBody, textBody string) (string, error) {
	return d.send(ctx, "em")
}

func (d *Dummy) send(ctx context.Context, prefix string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	if rand.Intn(100) < d.FailureRate {
		return "", errors.New("provider_temporary_error")
	}
	return prefix + "-" + randomID(), nil
}

func randomID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
