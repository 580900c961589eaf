package calls

import (
	"encoding/json"
	"fmt"
	"strings"

	"concierge/internal/vapi"
)

// AssistantOptions are the deployment-level settings every assistant shares.
type AssistantOptions struct {
	ModelProvider      string
	Model              string
	VoiceProvider      string
	VoiceID            string
	ServerURL          string
	ServerSecret       string
	MaxDurationSeconds int
}

func (o AssistantOptions) withDefaults() AssistantOptions {
	if o.ModelProvider == "" {
		o.ModelProvider = "google"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.VoiceProvider == "" {
		o.VoiceProvider = "11labs"
	}
	if o.VoiceID == "" {
		o.VoiceID = "sarah"
	}
	if o.MaxDurationSeconds <= 0 {
		o.MaxDurationSeconds = 300
	}
	return o
}

var structuredDataSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {"type": "string"},
    "availability": {"type": "string", "enum": ["available", "unavailable", "callback_requested", "unclear"]},
    "earliest_availability": {"type": "string"},
    "estimated_rate": {"type": "string"},
    "all_criteria_met": {"type": "boolean"},
    "criteria_details": {"type": "string"},
    "single_person_found": {"type": "boolean"},
    "recommended": {"type": "boolean"},
    "disqualified": {"type": "boolean"},
    "disqualification_reason": {"type": "string"},
    "call_outcome": {"type": "string", "enum": ["positive", "neutral", "negative"]},
    "booking_confirmed": {"type": "boolean"},
    "booking_date": {"type": "string"},
    "booking_time": {"type": "string"},
    "confirmation_code": {"type": "string"},
    "selected_option": {"type": "integer"}
  }
}`)

// BuildCreateRequest assembles the vendor request for req dialing dialTo.
func BuildCreateRequest(req CallRequest, dialTo, phoneNumberID string, opts AssistantOptions) vapi.CreateCallRequest {
	opts = opts.withDefaults()
	meta := req.Metadata.ToMap()

	a := vapi.Assistant{
		Name:         assistantName(req.Kind),
		FirstMessage: firstMessage(req),
		Model: vapi.Model{
			Provider: opts.ModelProvider,
			Model:    opts.Model,
			Messages: []vapi.Message{{Role: "system", Content: systemPrompt(req)}},
		},
		Voice: &vapi.Voice{Provider: opts.VoiceProvider, VoiceID: opts.VoiceID},
		AnalysisPlan: &vapi.AnalysisPlan{
			SummaryPrompt:        "Summarize the call in two or three sentences, focusing on availability, price and whether the requirements were met.",
			StructuredDataSchema: structuredDataSchema,
		},
		VoicemailDetection:     &vapi.Voicemail{Provider: "twilio"},
		EndCallFunctionEnabled: true,
		MaxDurationSeconds:     opts.MaxDurationSeconds,
		Metadata:               meta,
	}
	if opts.ServerURL != "" {
		a.Server = &vapi.Server{URL: opts.ServerURL, Secret: opts.ServerSecret}
	}

	return vapi.CreateCallRequest{
		PhoneNumberID: phoneNumberID,
		Customer:      vapi.Customer{Number: dialTo, Name: req.ProviderName},
		Assistant:     a,
		Metadata:      meta,
	}
}

func assistantName(k Kind) string {
	switch k {
	case KindBooking:
		return "Concierge Booking"
	case KindNotification:
		return "Concierge Notification"
	default:
		return "Concierge Research"
	}
}

func firstMessage(req CallRequest) string {
	switch req.Kind {
	case KindNotification:
		return "Hi, this is your concierge calling with the providers I found for you."
	case KindBooking:
		return fmt.Sprintf("Hi, I'm calling on behalf of a client to book %s.", nonEmpty(req.ServiceNeeded, "an appointment"))
	default:
		return fmt.Sprintf("Hi, is this %s? I'm calling on behalf of a client looking for %s.", req.ProviderName, nonEmpty(req.ServiceNeeded, "some help"))
	}
}

func systemPrompt(req CallRequest) string {
	if req.PromptOverride != "" {
		return req.PromptOverride
	}

	var b strings.Builder
	switch req.Kind {
	case KindNotification:
		fmt.Fprintf(&b, "You are calling a client with an update on their request: %s. ", nonEmpty(req.ServiceNeeded, "their service request"))
		if req.Choices > 0 {
			b.WriteString("Read each option with its number, then ask which number they would like to book ")
			fmt.Fprintf(&b, "and record it as selected_option (1 to %d). If they do not choose, record 0.\n", req.Choices)
		} else {
			b.WriteString("Read the update, answer short questions about it and end the call.\n")
		}
		b.WriteString(req.Script)
		return b.String()
	case KindBooking:
		b.WriteString("You are a polite assistant booking a service appointment for a client. ")
		b.WriteString("Confirm the date and time, ask for a confirmation code if they have one, and do not agree to anything the client has not asked for.\n")
	default:
		b.WriteString("You are a polite assistant calling a local business on behalf of a client. ")
		b.WriteString("Find out whether they can do the job, their earliest availability and their rate. Keep the call short.\n")
	}
	fmt.Fprintf(&b, "Service needed: %s\n", req.ServiceNeeded)
	if req.Criteria != "" {
		fmt.Fprintf(&b, "Client requirements: %s\n", req.Criteria)
	}
	if req.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", req.Location)
	}
	if req.Urgency != "" {
		fmt.Fprintf(&b, "Urgency: %s\n", strings.ReplaceAll(req.Urgency, "_", " "))
	}
	if req.PreferredSlot != "" {
		fmt.Fprintf(&b, "Preferred time: %s\n", req.PreferredSlot)
	}
	return b.String()
}
