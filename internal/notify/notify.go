// Package notify tells the user about the outcome of their request, at most once.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"concierge/internal/audit"
	"concierge/internal/calls"
	"concierge/internal/recommend"
	"concierge/internal/requests"
	"concierge/internal/telephony"
)

type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeAlreadySent Outcome = "already_sent"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeNotReady    Outcome = "not_ready"
)

const (
	MethodSMS   = "sms"
	MethodVoice = "voice"
)

// Store is the slice of the request repository the notifier reads and marks.
type Store interface {
	GetRequest(ctx context.Context, id string) (requests.ServiceRequest, error)
	GetProvider(ctx context.Context, id string) (requests.Provider, error)
	MarkNotified(ctx context.Context, id, method string, at time.Time) (bool, error)
}

// Claimer serializes notification attempts for one request across processes.
type Claimer interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// VoiceCaller places the notification call.
type VoiceCaller interface {
	InitiateCall(ctx context.Context, req calls.CallRequest) calls.CallResult
}

// Selector books the provider a user picked during a voice notification.
type Selector interface {
	SelectProvider(ctx context.Context, serviceRequestID, providerID string) (requests.ServiceRequest, error)
}

type Notifier struct {
	store    Store
	claims   Claimer
	sms      telephony.SMSProvider
	voice    VoiceCaller
	selector Selector
	audit    *audit.Service
	baseURL  string
	claimTTL time.Duration
	clock    func() time.Time
	log      *slog.Logger
}

type Options struct {
	// BaseURL is the UI origin used for the "view details" link.
	BaseURL  string
	ClaimTTL time.Duration

	// Selector receives choices made on voice notifications. Optional.
	Selector Selector
}

func New(store Store, claims Claimer, sms telephony.SMSProvider, voice VoiceCaller, auditSvc *audit.Service, opts Options, log *slog.Logger) *Notifier {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 15 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		store:    store,
		claims:   claims,
		sms:      sms,
		voice:    voice,
		selector: opts.Selector,
		audit:    auditSvc,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		claimTTL: opts.ClaimTTL,
		clock:    time.Now,
		log:      log,
	}
}

var ErrNoChannel = errors.New("notify: no delivery channel configured")

// Notify sends the result of the request to the user. Concurrent callers for the same
// request get in_flight while one of them holds the claim. The notification timestamp
// is written only after a successful send.
func (n *Notifier) Notify(ctx context.Context, serviceRequestID string) (Outcome, error) {
	log := n.log.With("service_request_id", serviceRequestID)

	key := "notify:" + serviceRequestID
	token, ok, err := n.claims.TryLock(ctx, key, n.claimTTL)
	if err != nil {
		return "", fmt.Errorf("notify: claim: %w", err)
	}
	if !ok {
		log.Info("notification already in flight")
		return OutcomeInFlight, nil
	}
	defer func() {
		if err := n.claims.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("notify: release claim failed", "err", err)
		}
	}()

	sr, err := n.store.GetRequest(ctx, serviceRequestID)
	if err != nil {
		return "", err
	}
	if sr.NotificationSentAt != nil {
		return OutcomeAlreadySent, nil
	}

	msg, ready, err := n.compose(ctx, sr)
	if err != nil {
		return "", err
	}
	if !ready {
		log.Info("nothing to notify yet", "status", sr.Status)
		return OutcomeNotReady, nil
	}

	method, choice, err := n.send(ctx, sr, msg)
	if err != nil {
		n.logAudit(ctx, sr.ID, audit.StatusError, "Notification failed: "+err.Error())
		return "", err
	}

	marked, err := n.store.MarkNotified(ctx, sr.ID, method, n.clock())
	if err != nil {
		return "", fmt.Errorf("notify: mark sent: %w", err)
	}
	if !marked {
		log.Warn("notification timestamp was set concurrently")
	}
	n.logAudit(ctx, sr.ID, audit.StatusSuccess, "Notified user by "+method)
	log.Info("user notified", "method", method)

	if choice > 0 {
		n.applyChoice(ctx, sr, msg, choice)
	}
	return OutcomeSent, nil
}

// message is one notification rendered for each channel.
type message struct {
	text    string
	spoken  string
	options []recommend.Recommendation
}

// applyChoice books the option picked on the call. The notification already counts
// as sent, so failures are logged and audited only.
func (n *Notifier) applyChoice(ctx context.Context, sr requests.ServiceRequest, msg message, choice int) {
	log := n.log.With("service_request_id", sr.ID, "choice", choice)
	if choice > len(msg.options) {
		log.Warn("voice choice out of range", "options", len(msg.options))
		return
	}
	if n.selector == nil {
		log.Warn("voice choice ignored: no selector configured")
		return
	}
	rec := msg.options[choice-1]
	if _, err := n.selector.SelectProvider(ctx, sr.ID, rec.ProviderID); err != nil {
		log.Error("voice choice could not be booked", "provider_id", rec.ProviderID, "err", err)
		n.logAudit(ctx, sr.ID, audit.StatusError, fmt.Sprintf("Option %d (%s) chosen by phone could not be booked: %v", choice, rec.Name, err))
		return
	}
	n.logAudit(ctx, sr.ID, audit.StatusSuccess, fmt.Sprintf("Option %d (%s) chosen by phone", choice, rec.Name))
	log.Info("voice choice selected", "provider_id", rec.ProviderID)
}

// send delivers msg and returns the method used plus any option picked on a voice call.
func (n *Notifier) send(ctx context.Context, sr requests.ServiceRequest, msg message) (string, int, error) {
	if sr.UserPhone == "" {
		return "", 0, errors.New("notify: request has no user phone")
	}
	useSMS := n.sms != nil && (sr.PreferredContact == requests.ContactText || n.voice == nil)
	if useSMS {
		if _, err := n.sms.SendSMS(ctx, telephony.OutboundSMS{To: sr.UserPhone, Body: msg.text}); err != nil {
			return "", 0, err
		}
		return MethodSMS, 0, nil
	}
	if n.voice == nil {
		return "", 0, ErrNoChannel
	}

	req := calls.CallRequest{
		Metadata:      calls.Metadata{ServiceRequestID: sr.ID, Kind: calls.KindNotification},
		Phone:         sr.UserPhone,
		ServiceNeeded: sr.Title,
		Script:        msg.spoken,
		Choices:       len(msg.options),
	}
	res := n.voice.InitiateCall(ctx, req)
	switch res.Status {
	case calls.ResultCompleted:
		choice := 0
		if res.Analysis != nil {
			choice = res.Analysis.SelectedOption
		}
		return MethodVoice, choice, nil
	case calls.ResultVoicemail:
		return MethodVoice, 0, nil
	default:
		return "", 0, fmt.Errorf("notify: voice call %s: %s", res.Status, res.Error)
	}
}

func (n *Notifier) compose(ctx context.Context, sr requests.ServiceRequest) (message, bool, error) {
	switch sr.Status {
	case requests.StatusRecommended:
		var result recommend.Result
		if len(sr.Recommendations) > 0 {
			if err := json.Unmarshal(sr.Recommendations, &result); err != nil {
				return message{}, false, fmt.Errorf("notify: decode recommendations: %w", err)
			}
		}
		return message{
			text:    RecommendationsMessage(sr, result, n.link(sr.ID)),
			spoken:  SpokenRecommendations(sr, result),
			options: result.Recommendations,
		}, true, nil

	case requests.StatusCompleted:
		if sr.SelectedProviderID == "" {
			return plain(fmt.Sprintf("Your request %q is done. %s", sr.Title, sr.FinalOutcome)), true, nil
		}
		p, err := n.store.GetProvider(ctx, sr.SelectedProviderID)
		if err != nil {
			return message{}, false, err
		}
		return plain(BookingMessage(sr, p)), true, nil

	case requests.StatusFailed:
		msg := fmt.Sprintf("We couldn't complete your request %q.", sr.Title)
		if sr.FinalOutcome != "" {
			msg += " " + sr.FinalOutcome
		}
		return plain(msg), true, nil

	default:
		return message{}, false, nil
	}
}

func plain(s string) message { return message{text: s, spoken: s} }

// RecommendationsMessage lists the top providers and asks for a numbered reply.
func RecommendationsMessage(sr requests.ServiceRequest, result recommend.Result, link string) string {
	if len(result.Recommendations) == 0 {
		msg := fmt.Sprintf("Update on %q: %s", sr.Title, recommend.NoQualifiedMessage)
		if link != "" {
			msg += " " + link
		}
		return msg
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your top picks for %q:\n", sr.Title)
	for i, r := range result.Recommendations {
		fmt.Fprintf(&b, "%d. %s (%.1f stars)", i+1, r.Name, r.Rating)
		if r.EarliestAvail != "" {
			fmt.Fprintf(&b, ", %s", r.EarliestAvail)
		}
		if r.EstimatedRate != "" {
			fmt.Fprintf(&b, ", %s", r.EstimatedRate)
		}
		b.WriteString("\n")
	}
	choices := make([]string, len(result.Recommendations))
	for i := range choices {
		choices[i] = fmt.Sprint(i + 1)
	}
	fmt.Fprintf(&b, "Reply %s to book.", strings.Join(choices, ", "))
	if link != "" {
		b.WriteString(" Details: " + link)
	}
	return b.String()
}

// SpokenRecommendations is the voice version of RecommendationsMessage.
func SpokenRecommendations(sr requests.ServiceRequest, result recommend.Result) string {
	if len(result.Recommendations) == 0 {
		return fmt.Sprintf("About your request %q: %s", sr.Title, recommend.NoQualifiedMessage)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here are the best providers for %q.", sr.Title)
	for i, r := range result.Recommendations {
		fmt.Fprintf(&b, " Option %d: %s, rated %.1f stars", i+1, r.Name, r.Rating)
		if r.EarliestAvail != "" {
			fmt.Fprintf(&b, ", available %s", r.EarliestAvail)
		}
		b.WriteString(".")
	}
	return b.String()
}

func BookingMessage(sr requests.ServiceRequest, p requests.Provider) string {
	if !p.BookingConfirmed {
		return fmt.Sprintf("We reached %s about %q but could not confirm a booking. %s", p.Name, sr.Title, sr.FinalOutcome)
	}
	msg := fmt.Sprintf("Booked: %s for %q", p.Name, sr.Title)
	when := strings.TrimSpace(p.BookingDate + " " + p.BookingTime)
	if when != "" {
		msg += " on " + when
	}
	msg += "."
	if p.ConfirmationCode != "" {
		msg += " Confirmation: " + p.ConfirmationCode
	}
	return msg
}

func (n *Notifier) link(id string) string {
	if n.baseURL == "" {
		return ""
	}
	return n.baseURL + "/requests/" + id
}

func (n *Notifier) logAudit(ctx context.Context, id string, status audit.Status, detail string) {
	if n.audit == nil {
		return
	}
	if err := n.audit.Log(ctx, id, audit.StepNotify, status, detail); err != nil {
		n.log.Warn("notify: audit log failed", "service_request_id", id, "err", err)
	}
}
