// Package channel routes rendered messages to SMS, email and voice transports
// and normalizes what happened into an Outcome.
package channel

import (
	"context"
	"fmt"

	"leadflow/internal/domain"
)

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string, tags []string) (id string, err error)
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string, tags []string) (id string, err error)
}

// CallInitiator starts an outbound call. It returns once the call is accepted
// for dialing; answer and hang-up arrive later on the status callback.
type CallInitiator interface {
	Dial(ctx context.Context, to, correlationURL, statusCallbackURL string) (callID string, err error)
}

type SuppressionList interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
}

type Status string

const (
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
	StatusSkipped    Status = "skipped"
)

// Kind classifies a non-sent outcome.
type Kind string

const (
	KindNone          Kind = ""
	KindConfiguration Kind = "configuration"
	KindSuppression   Kind = "suppression"
	KindTransport     Kind = "transport"
	KindTimeout       Kind = "timeout"
	KindMissingTarget Kind = "missing_target"
)

// Correlation ties a send back to the enrollment step that produced it.
type Correlation struct {
	EnrollmentID string
	SequenceID   string
	StepIndex    int
	LeadID       string
}

func (c Correlation) Tags() []string {
	return []string{
		"enrollment:" + c.EnrollmentID,
		"sequence:" + c.SequenceID,
		fmt.Sprintf("step:%d", c.StepIndex),
		"lead:" + c.LeadID,
	}
}

type Message struct {
	Channel     domain.Channel
	To          string
	Subject     string
	Body        string
	Correlation Correlation
}

type Outcome struct {
	Channel    domain.Channel `json:"channel"`
	Status     Status         `json:"status"`
	Kind       Kind           `json:"kind,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
}

// Failed reports whether the outcome counts toward a step's failures.
// Suppressed and skipped sends are expected and do not.
func (o Outcome) Failed() bool { return o.Status == StatusFailed }
