package vapi

import (
	"encoding/json"
	"strings"
	"time"
)

// Call is the subset of the vendor call object this service reads.
type Call struct {
	ID          string            `json:"id"`
	Status      string            `json:"status,omitempty"`
	EndedReason string            `json:"endedReason,omitempty"`
	Transcript  string            `json:"transcript,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Analysis    *Analysis         `json:"analysis,omitempty"`
	Artifact    *Artifact         `json:"artifact,omitempty"`
	Cost        float64           `json:"cost,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	EndedAt     *time.Time        `json:"endedAt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Analysis struct {
	Summary           string          `json:"summary,omitempty"`
	StructuredData    json.RawMessage `json:"structuredData,omitempty"`
	SuccessEvaluation json.RawMessage `json:"successEvaluation,omitempty"`
}

type Artifact struct {
	Transcript string `json:"transcript,omitempty"`
}

const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusForwarding = "forwarding"
	StatusEnded      = "ended"
)

// Ended reports whether the vendor considers the call finished.
func (c Call) Ended() bool { return c.Status == StatusEnded }

// HasAnalysis reports whether the post-call analysis pipeline has produced output.
func (c Call) HasAnalysis() bool {
	if c.Analysis == nil {
		return false
	}
	if strings.TrimSpace(c.Analysis.Summary) != "" {
		return true
	}
	sd := strings.TrimSpace(string(c.Analysis.StructuredData))
	return sd != "" && sd != "null" && sd != "{}"
}

// FullTranscript prefers the top-level transcript and falls back to the artifact.
func (c Call) FullTranscript() string {
	if c.Transcript != "" {
		return c.Transcript
	}
	if c.Artifact != nil {
		return c.Artifact.Transcript
	}
	return ""
}

// DurationSeconds is derived from start and end timestamps when both are present.
func (c Call) DurationSeconds() float64 {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0
	}
	d := c.EndedAt.Sub(*c.StartedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// Outcome classifies an ended call by its ended reason.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeVoicemail Outcome = "voicemail"
	OutcomeFailed    Outcome = "failed"
)

var completedReasons = map[string]struct{}{
	"customer-ended-call":            {},
	"assistant-ended-call":           {},
	"assistant-said-end-call-phrase": {},
	"assistant-forwarded-call":       {},
	"exceeded-max-duration":          {},
	"silence-timed-out":              {},
}

// Classify maps the vendor ended reason to an outcome.
func (c Call) Classify() Outcome {
	reason := strings.ToLower(c.EndedReason)
	if strings.Contains(reason, "voicemail") {
		return OutcomeVoicemail
	}
	if _, ok := completedReasons[reason]; ok {
		return OutcomeCompleted
	}
	if reason == "" && c.FullTranscript() != "" {
		return OutcomeCompleted
	}
	return OutcomeFailed
}

type CreateCallRequest struct {
	PhoneNumberID string            `json:"phoneNumberId"`
	Customer      Customer          `json:"customer"`
	Assistant     Assistant         `json:"assistant"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type Customer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type Assistant struct {
	Name                   string            `json:"name"`
	FirstMessage           string            `json:"firstMessage,omitempty"`
	Model                  Model             `json:"model"`
	Voice                  *Voice            `json:"voice,omitempty"`
	Server                 *Server           `json:"server,omitempty"`
	AnalysisPlan           *AnalysisPlan     `json:"analysisPlan,omitempty"`
	VoicemailDetection     *Voicemail        `json:"voicemailDetection,omitempty"`
	EndCallFunctionEnabled bool              `json:"endCallFunctionEnabled"`
	MaxDurationSeconds     int               `json:"maxDurationSeconds,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

type Model struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Voice struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
}

type Server struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

type AnalysisPlan struct {
	SummaryPrompt        string          `json:"summaryPrompt,omitempty"`
	StructuredDataSchema json.RawMessage `json:"structuredDataSchema,omitempty"`
}

type Voicemail struct {
	Provider string `json:"provider"`
}

// WebhookEnvelope is the body the vendor posts to the server URL.
type WebhookEnvelope struct {
	Message WebhookMessage `json:"message"`
}

type WebhookMessage struct {
	Type        string     `json:"type"`
	Status      string     `json:"status,omitempty"`
	EndedReason string     `json:"endedReason,omitempty"`
	Transcript  string     `json:"transcript,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Analysis    *Analysis  `json:"analysis,omitempty"`
	Artifact    *Artifact  `json:"artifact,omitempty"`
	Cost        float64    `json:"cost,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Call        Call       `json:"call"`
}

const (
	MessageStatusUpdate    = "status-update"
	MessageEndOfCallReport = "end-of-call-report"
)

// CallSnapshot folds the message-level fields into the embedded call object.
func (m WebhookMessage) CallSnapshot() Call {
	c := m.Call
	if m.Status != "" {
		c.Status = m.Status
	}
	if m.Type == MessageEndOfCallReport {
		c.Status = StatusEnded
	}
	if m.EndedReason != "" {
		c.EndedReason = m.EndedReason
	}
	if m.Transcript != "" {
		c.Transcript = m.Transcript
	}
	if m.Summary != "" {
		c.Summary = m.Summary
	}
	if m.Analysis != nil {
		c.Analysis = m.Analysis
	}
	if m.Artifact != nil {
		c.Artifact = m.Artifact
	}
	if m.Cost > 0 {
		c.Cost = m.Cost
	}
	if m.StartedAt != nil {
		c.StartedAt = m.StartedAt
	}
	if m.EndedAt != nil {
		c.EndedAt = m.EndedAt
	}
	return c
}
