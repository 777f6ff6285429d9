package domain

import "time"

const (
	SequenceDraft  = "draft"
	SequenceActive = "active"
	SequencePaused = "paused"
)

const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentCancelled = "cancelled"
)

const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobCancelled  = "cancelled"
)

// Lead statuses that suppress all outbound contact.
const (
	LeadOptedOut     = "opted_out"
	LeadDoNotContact = "do_not_contact"
)

type SkipCondition string

const (
	SkipNone           SkipCondition = ""
	SkipResponded      SkipCondition = "responded"
	SkipOptedOut       SkipCondition = "opted_out"
	SkipEmailCaptured  SkipCondition = "email_captured"
	SkipAppointmentSet SkipCondition = "appointment_set"
)

func (s SkipCondition) Valid() bool {
	switch s {
	case SkipNone, SkipResponded, SkipOptedOut, SkipEmailCaptured, SkipAppointmentSet:
		return true
	}
	return false
}

type Sequence struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id" validate:"required"`
	Name      string         `json:"name"`
	Status    string         `json:"status" validate:"oneof=draft active paused"`
	Steps     []SequenceStep `json:"steps" validate:"dive"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Step returns the step at index i, or false when the sequence has no such step.
func (s Sequence) Step(i int) (SequenceStep, bool) {
	if i < 0 || i >= len(s.Steps) {
		return SequenceStep{}, false
	}
	return s.Steps[i], true
}

type SequenceStep struct {
	Order      int           `json:"order" validate:"gte=0"`
	DelayDays  int           `json:"delay_days" validate:"gte=0"`
	DelayHours int           `json:"delay_hours" validate:"gte=0"`
	SMS        *SMSContent   `json:"sms,omitempty"`
	Email      *EmailContent `json:"email,omitempty"`
	Voice      *VoiceContent `json:"voice,omitempty"`
	SkipIf     SkipCondition `json:"skip_if,omitempty"`
}

// Delay is the wait between the previous step and this one.
func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// Channels returns the enabled channel blocks in sms, email, voice order.
func (s SequenceStep) Channels() []ChannelContent {
	var out []ChannelContent
	if s.SMS != nil && s.SMS.Enabled {
		out = append(out, *s.SMS)
	}
	if s.Email != nil && s.Email.Enabled {
		out = append(out, *s.Email)
	}
	if s.Voice != nil && s.Voice.Enabled {
		out = append(out, *s.Voice)
	}
	return out
}

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelVoice Channel = "voice"
)

// ChannelContent is one of SMSContent, EmailContent or VoiceContent.
type ChannelContent interface {
	Channel() Channel
	channelContent()
}

type SMSContent struct {
	Enabled  bool   `json:"enabled"`
	Template string `json:"template" validate:"required_if=Enabled true"`
}

type EmailContent struct {
	Enabled  bool   `json:"enabled"`
	Subject  string `json:"subject" validate:"required_if=Enabled true"`
	Template string `json:"template" validate:"required_if=Enabled true"`
}

type VoiceContent struct {
	Enabled  bool   `json:"enabled"`
	Template string `json:"template" validate:"required_if=Enabled true"`
}

func (SMSContent) Channel() Channel   { return ChannelSMS }
func (EmailContent) Channel() Channel { return ChannelEmail }
func (VoiceContent) Channel() Channel { return ChannelVoice }

func (SMSContent) channelContent()   {}
func (EmailContent) channelContent() {}
func (VoiceContent) channelContent() {}

type Enrollment struct {
	ID          string     `json:"id"`
	SequenceID  string     `json:"sequence_id"`
	LeadID      string     `json:"lead_id"`
	TenantID    string     `json:"tenant_id"`
	Status      string     `json:"status"`
	CurrentStep int        `json:"current_step"`
	NextStepAt  *time.Time `json:"next_step_at,omitempty"`
	LastStepAt  *time.Time `json:"last_step_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Lead struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	CompanyName string   `json:"company_name"`
	Phone       string   `json:"phone"`
	Email       string   `json:"email"`
	Status      string   `json:"status"`
	Tags        []string `json:"tags,omitempty"`
}

// Suppressed reports whether the lead must not be contacted on any channel.
func (l Lead) Suppressed() bool {
	return l.Status == LeadOptedOut || l.Status == LeadDoNotContact
}

func (l Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type BatchJob struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Successful   int        `json:"successful"`
	Failed       int        `json:"failed"`
	PhonesFound  int        `json:"phones_found"`
	EmailsFound  int        `json:"emails_found"`
	Forwarded    int        `json:"forwarded"`
	LastError    string     `json:"last_error,omitempty"`
	Config       JobConfig  `json:"config"`
	Results      []Result   `json:"-"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type JobConfig struct {
	IDs               []string `json:"ids"`
	BatchSize         int      `json:"batch_size"`
	Cursor            int      `json:"cursor"`
	DailyCapAware     bool     `json:"daily_cap_aware"`
	ForwardSequenceID string   `json:"forward_sequence_id,omitempty"`
}

// Batch returns the ids of the slice at the current cursor. An empty slice means
// every id has been consumed.
func (c JobConfig) Batch() []string {
	start := c.Cursor * c.BatchSize
	if c.BatchSize <= 0 || start >= len(c.IDs) {
		return nil
	}
	end := start + c.BatchSize
	if end > len(c.IDs) {
		end = len(c.IDs)
	}
	return c.IDs[start:end]
}

// Exhausted reports whether the cursor has moved past the last id.
func (c JobConfig) Exhausted() bool {
	return c.BatchSize <= 0 || c.Cursor*c.BatchSize >= len(c.IDs)
}

func (c JobConfig) TotalBatches() int {
	if c.BatchSize <= 0 {
		return 0
	}
	return (len(c.IDs) + c.BatchSize - 1) / c.BatchSize
}

// Result is the per-id record accumulated by a batch job.
type Result struct {
	ID      string   `json:"id"`
	Success bool     `json:"success"`
	Phone   string   `json:"phone,omitempty"`
	Email   string   `json:"email,omitempty"`
	Company string   `json:"company,omitempty"`
	Phones  []string `json:"phones,omitempty"`
	Error   string   `json:"error,omitempty"`
	Batch   int      `json:"batch"`
}

// StepSend is one channel attempt recorded against an enrollment step.
type StepSend struct {
	EnrollmentID string    `json:"enrollment_id"`
	SequenceID   string    `json:"sequence_id"`
	LeadID       string    `json:"lead_id"`
	StepIndex    int       `json:"step_index"`
	Channel      Channel   `json:"channel"`
	Status       string    `json:"status"`
	ProviderID   string    `json:"provider_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BatchRun is the audit row written after each batch tick.
type BatchRun struct {
	JobID      string    `json:"job_id"`
	Cursor     int       `json:"cursor"`
	Size       int       `json:"size"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
