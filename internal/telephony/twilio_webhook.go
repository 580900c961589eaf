package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"concierge/pkg/phone"
)

// TwilioInboundSMSForm captures the subset of messaging webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
//
// Keep it minimal and provider-adapter-only.
// Business logic (what a reply means) is not decided here.
type TwilioInboundSMSForm struct {
	MessageSid  string
	AccountSid  string
	From        string
	To          string
	Body        string
	NumMedia    string
	FromCity    string
	FromState   string
	FromCountry string
}

func ParseTwilioInboundSMS(r *http.Request) (TwilioInboundSMSForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioInboundSMSForm{}, err
	}
	return TwilioInboundSMSForm{
		MessageSid:  r.PostFormValue("MessageSid"),
		AccountSid:  r.PostFormValue("AccountSid"),
		From:        normalizePhone(r.PostFormValue("From")),
		To:          normalizePhone(r.PostFormValue("To")),
		Body:        strings.TrimSpace(r.PostFormValue("Body")),
		NumMedia:    r.PostFormValue("NumMedia"),
		FromCity:    r.PostFormValue("FromCity"),
		FromState:   r.PostFormValue("FromState"),
		FromCountry: r.PostFormValue("FromCountry"),
	}, nil
}

// normalizePhone returns E.164 when the number parses, else the trimmed input.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	if n, err := phone.Normalize(s); err == nil {
		return n
	}
	return s
}

func (f TwilioInboundSMSForm) ToInboundSMS(receivedAt time.Time) InboundSMS {
	raw, _ := json.Marshal(f)
	return InboundSMS{
		ProviderMessageID: f.MessageSid,
		From:              f.From,
		To:                f.To,
		Body:              f.Body,
		ReceivedAt:        receivedAt,
		RawPayload:        string(raw),
	}
}

// ValidateTwilioSignature checks X-Twilio-Signature: base64(HMAC-SHA1(authToken, url + sorted key/value pairs)).
func ValidateTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseChoice reads a numbered reply ("1", " 2 ", "#3") in [1, max].
func ParseChoice(body string, limit int) (int, bool) {
	s := strings.TrimPrefix(strings.TrimSpace(body), "#")
	s = strings.TrimSuffix(s, ".")
	if len(s) != 1 || s[0] < '1' || s[0] > '9' {
		return 0, false
	}
	n := int(s[0] - '0')
	if n > limit {
		return 0, false
	}
	return n, true
}
