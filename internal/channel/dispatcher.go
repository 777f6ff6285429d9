package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"leadflow/internal/domain"
	"leadflow/internal/retry"
)

type Dispatcher struct {
	SMS         SMSSender
	Email       EmailSender
	Voice       CallInitiator
	Suppression SuppressionList
	Retry       retry.Policy
	// Timeout bounds each transport attempt.
	Timeout time.Duration
	// CallbackBaseURL is where the voice provider fetches call instructions
	// and posts status updates.
	CallbackBaseURL string
}

// Send delivers one rendered message. It never returns an error: every failure
// is folded into the Outcome so one channel cannot abort another.
func (d *Dispatcher) Send(ctx context.Context, m Message) Outcome {
	out := Outcome{Channel: m.Channel}
	if m.To == "" {
		out.Status, out.Kind, out.Error = StatusSkipped, KindMissingTarget, "lead has no "+targetName(m.Channel)
		return out
	}

	var send func(ctx context.Context) (string, error)
	switch m.Channel {
	case domain.ChannelSMS:
		if d.SMS == nil {
			return configFailure(out, "sms transport not configured")
		}
		send = func(ctx context.Context) (string, error) {
			return d.SMS.SendSMS(ctx, m.To, m.Body, m.Correlation.Tags())
		}
	case domain.ChannelEmail:
		if d.Email == nil {
			return configFailure(out, "email transport not configured")
		}
		send = func(ctx context.Context) (string, error) {
			return d.Email.SendEmail(ctx, m.To, m.Subject, m.Body, m.Correlation.Tags())
		}
	case domain.ChannelVoice:
		if d.Voice == nil {
			return configFailure(out, "voice transport not configured")
		}
		if d.CallbackBaseURL == "" {
			return configFailure(out, "voice callback base url not configured")
		}
		answerURL, statusURL := d.callbackURLs(m.Correlation)
		send = func(ctx context.Context) (string, error) {
			return d.Voice.Dial(ctx, m.To, answerURL, statusURL)
		}
	default:
		return configFailure(out, fmt.Sprintf("unknown channel %q", m.Channel))
	}

	if m.Channel != domain.ChannelEmail && d.Suppression != nil {
		suppressed, err := d.Suppression.IsOptedOut(ctx, m.To)
		if err != nil {
			out.Status, out.Kind, out.Error = StatusFailed, KindTransport, "suppression check: "+err.Error()
			return out
		}
		if suppressed {
			out.Status, out.Kind, out.Error = StatusSuppressed, KindSuppression, domain.ErrSuppressed.Error()
			return out
		}
	}

	var providerID string
	err := d.Retry.Do(ctx, retryable, func(ctx context.Context) error {
		out.Attempts++
		attemptCtx, cancel := d.attemptContext(ctx)
		defer cancel()
		id, err := send(attemptCtx)
		if err != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return err
		}
		providerID = id
		return nil
	})
	if err == nil {
		out.Status, out.ProviderID = StatusSent, providerID
		return out
	}

	out.Status, out.Error = StatusFailed, err.Error()
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		out.Kind = KindConfiguration
	case errors.Is(err, domain.ErrSuppressed):
		out.Status, out.Kind = StatusSuppressed, KindSuppression
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	default:
		out.Kind = KindTransport
	}
	log.Debug().Str("channel", string(m.Channel)).Str("lead_id", m.Correlation.LeadID).
		Str("kind", string(out.Kind)).Int("attempts", out.Attempts).Err(err).Msg("send failed")
	return out
}

func (d *Dispatcher) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.Timeout)
}

func (d *Dispatcher) callbackURLs(c Correlation) (answer, status string) {
	q := url.Values{}
	q.Set("enrollment", c.EnrollmentID)
	q.Set("sequence", c.SequenceID)
	q.Set("step", strconv.Itoa(c.StepIndex))
	q.Set("lead", c.LeadID)
	enc := q.Encode()
	return d.CallbackBaseURL + "/voice/answer?" + enc, d.CallbackBaseURL + "/voice/status?" + enc
}

// retryable limits retries to transport trouble; configuration and suppression
// failures will not change on a second attempt.
func retryable(err error) bool {
	return !errors.Is(err, domain.ErrConfiguration) && !errors.Is(err, domain.ErrSuppressed)
}

func configFailure(out Outcome, msg string) Outcome {
	out.Status, out.Kind, out.Error = StatusFailed, KindConfiguration, fmt.Sprintf("%s: %s", domain.ErrConfiguration, msg)
	return out
}

func targetName(c domain.Channel) string {
	if c == domain.ChannelEmail {
		return "email address"
	}
	return "phone number"
}
