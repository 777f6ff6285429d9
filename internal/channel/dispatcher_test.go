package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/internal/domain"
	"leadflow/internal/retry"
)

type fakeSMS struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeSMS) SendSMS(ctx context.Context, to, body string, tags []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "sms-1", nil
}

type fakeVoice struct {
	to, answer, status string
}

func (f *fakeVoice) Dial(ctx context.Context, to, answer, status string) (string, error) {
	f.to, f.answer, f.status = to, answer, status
	return "call-1", nil
}

type slowEmail struct{}

func (slowEmail) SendEmail(ctx context.Context, to, subject, body string, tags []string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type optOuts map[string]bool

func (o optOuts) IsOptedOut(ctx context.Context, phone string) (bool, error) { return o[phone], nil }

var corr = Correlation{EnrollmentID: "enr_1", SequenceID: "seq_1", StepIndex: 2, LeadID: "lead_1"}

func TestSendSMSSuppressedSkipsTransport(t *testing.T) {
	sms := &fakeSMS{}
	d := &Dispatcher{SMS: sms, Suppression: optOuts{"+1555": true}}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelSMS, To: "+1555", Body: "hi", Correlation: corr})
	assert.Equal(t, StatusSuppressed, out.Status)
	assert.Equal(t, KindSuppression, out.Kind)
	assert.False(t, out.Failed())
	assert.Zero(t, sms.calls)
}

func TestSendSMSSucceeds(t *testing.T) {
	d := &Dispatcher{SMS: &fakeSMS{}, Suppression: optOuts{}}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelSMS, To: "+1666", Body: "hi", Correlation: corr})
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, "sms-1", out.ProviderID)
	assert.Equal(t, 1, out.Attempts)
}

func TestSendEmailWithoutTransportIsConfigurationFailure(t *testing.T) {
	d := &Dispatcher{}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelEmail, To: "a@b.c", Subject: "s", Body: "b"})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, KindConfiguration, out.Kind)
}

func TestSendEmailUnconfiguredSMTPIsNotRetried(t *testing.T) {
	d := &Dispatcher{Email: NewSMTPSender(SMTPConfig{}), Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelEmail, To: "a@b.c", Subject: "s", Body: "b"})
	assert.Equal(t, KindConfiguration, out.Kind)
	assert.Equal(t, 1, out.Attempts)
}

func TestSendTimeoutIsFailureOutcome(t *testing.T) {
	d := &Dispatcher{Email: slowEmail{}, Timeout: 10 * time.Millisecond}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelEmail, To: "a@b.c", Subject: "s", Body: "b"})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, KindTimeout, out.Kind)
}

func TestSendRetriesTransportErrorsPerPolicy(t *testing.T) {
	sms := &fakeSMS{errs: []error{&domain.TransportError{Op: "send", Err: errors.New("503")}, nil}}
	d := &Dispatcher{SMS: sms, Retry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelSMS, To: "+1", Body: "hi"})
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, 2, out.Attempts)
}

func TestSendDefaultPolicyAttemptsOnce(t *testing.T) {
	sms := &fakeSMS{errs: []error{errors.New("boom"), nil}}
	d := &Dispatcher{SMS: sms}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelSMS, To: "+1", Body: "hi"})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, KindTransport, out.Kind)
	assert.Equal(t, 1, sms.calls)
}

func TestSendMissingTargetIsSkipped(t *testing.T) {
	d := &Dispatcher{SMS: &fakeSMS{}}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelSMS, Body: "hi"})
	assert.Equal(t, StatusSkipped, out.Status)
	assert.False(t, out.Failed())
}

func TestSendVoiceCarriesCorrelation(t *testing.T) {
	v := &fakeVoice{}
	d := &Dispatcher{Voice: v, CallbackBaseURL: "https://hooks.example.com"}
	out := d.Send(context.Background(), Message{Channel: domain.ChannelVoice, To: "+1777", Body: "script", Correlation: corr})
	require.Equal(t, StatusSent, out.Status)
	assert.Equal(t, "call-1", out.ProviderID)

	u, err := url.Parse(v.answer)
	require.NoError(t, err)
	assert.Equal(t, "/voice/answer", u.Path)
	assert.Equal(t, "seq_1", u.Query().Get("sequence"))
	assert.Equal(t, "2", u.Query().Get("step"))
	assert.Equal(t, "lead_1", u.Query().Get("lead"))
	assert.Contains(t, v.status, "/voice/status?")
}

func TestGatewayPostsJSON(t *testing.T) {
	var got smsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(gatewayResponse{ID: "msg-9"})
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "tok", "+1000", time.Second)
	id, err := g.SendSMS(context.Background(), "+1999", "hello", corr.Tags())
	require.NoError(t, err)
	assert.Equal(t, "msg-9", id)
	assert.Equal(t, "+1999", got.To)
	assert.Contains(t, got.Tags, "lead:lead_1")
}

func TestGatewayErrorsAreClassified(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream", status)
	}))
	defer srv.Close()
	g := NewGateway(srv.URL, "", "", time.Second)

	_, err := g.Dial(context.Background(), "+1", "a", "b")
	assert.True(t, domain.IsTransport(err))

	status = http.StatusUnauthorized
	_, err = g.Dial(context.Background(), "+1", "a", "b")
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = NewGateway("", "", "", 0).SendSMS(context.Background(), "+1", "x", nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
