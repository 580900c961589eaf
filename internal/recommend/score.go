// Package recommend ranks providers after the calling phase.
package recommend

import (
	"fmt"
	"sort"
	"strings"

	"concierge/internal/calls"
)

const TopN = 3

// Candidate is one provider with its latest call outcome.
type Candidate struct {
	ProviderID  string            `json:"providerId"`
	Name        string            `json:"name"`
	Phone       string            `json:"phone"`
	Rating      float64           `json:"rating"`
	ReviewCount int               `json:"reviewCount"`
	CallStatus  calls.CallStatus  `json:"callStatus"`
	Result      *calls.CallResult `json:"-"`
}

type Breakdown struct {
	Conversation int `json:"conversation"`
	Fit          int `json:"fit"`
	Reputation   int `json:"reputation"`
	Trust        int `json:"trust"`
}

func (b Breakdown) Total() int { return b.Conversation + b.Fit + b.Reputation + b.Trust }

type Recommendation struct {
	ProviderID    string    `json:"providerId"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	Rating        float64   `json:"rating"`
	ReviewCount   int       `json:"reviewCount"`
	Score         int       `json:"score"`
	Breakdown     Breakdown `json:"breakdown"`
	Reasoning     string    `json:"reasoning"`
	EarliestAvail string    `json:"earliestAvailability,omitempty"`
	EstimatedRate string    `json:"estimatedRate,omitempty"`
}

type Stats struct {
	TotalCalls            int `json:"totalCalls"`
	QualifiedProviders    int `json:"qualifiedProviders"`
	DisqualifiedProviders int `json:"disqualifiedProviders"`
	FailedCalls           int `json:"failedCalls"`
}

type Result struct {
	Recommendations       []Recommendation `json:"recommendations"`
	OverallRecommendation string           `json:"overallRecommendation"`
	Stats                 Stats            `json:"stats"`
}

// NoQualifiedMessage is returned when every provider was excluded.
const NoQualifiedMessage = "No qualified providers found. Try adjusting your criteria or location."

// Score ranks candidates. Equal scores keep input order.
func Score(cands []Candidate) Result {
	var (
		stats  Stats
		scored []Recommendation
	)
	for _, c := range cands {
		if c.CallStatus == calls.CallStatusUnset && c.Result == nil {
			continue
		}
		stats.TotalCalls++
		if failed(c) {
			stats.FailedCalls++
			stats.DisqualifiedProviders++
			continue
		}
		if c.Result.Analysis != nil && c.Result.Analysis.Disqualified {
			stats.DisqualifiedProviders++
			continue
		}
		stats.QualifiedProviders++
		scored = append(scored, recommendation(c))
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > TopN {
		scored = scored[:TopN]
	}

	out := Result{Recommendations: scored, Stats: stats}
	if len(scored) == 0 {
		out.Recommendations = []Recommendation{}
		out.OverallRecommendation = NoQualifiedMessage
		return out
	}
	top := scored[0]
	out.OverallRecommendation = fmt.Sprintf("We recommend %s (score %d/100). %s", top.Name, top.Score, top.Reasoning)
	return out
}

// failed covers everything that is not a completed conversation: error, timeout,
// voicemail, and calls still pending when scoring runs.
func failed(c Candidate) bool {
	if c.Result == nil {
		return true
	}
	return c.Result.Status != calls.ResultCompleted || c.CallStatus == calls.CallStatusError || c.CallStatus == calls.CallStatusTimeout
}

func recommendation(c Candidate) Recommendation {
	a := c.Result.Analysis
	if a == nil {
		a = &calls.Analysis{}
	}
	b := Breakdown{
		Conversation: conversationScore(a),
		Fit:          fitScore(a),
		Reputation:   reputationScore(c.Rating, c.ReviewCount),
		Trust:        trustScore(a),
	}
	return Recommendation{
		ProviderID:    c.ProviderID,
		Name:          c.Name,
		Phone:         c.Phone,
		Rating:        c.Rating,
		ReviewCount:   c.ReviewCount,
		Score:         b.Total(),
		Breakdown:     b,
		Reasoning:     reasoning(c, a),
		EarliestAvail: a.EarliestAvailability,
		EstimatedRate: a.EstimatedRate,
	}
}

// conversationScore is out of 35.
func conversationScore(a *calls.Analysis) int {
	s := 0
	switch a.CallOutcome {
	case calls.OutcomePositive:
		s += 15
	case calls.OutcomeNeutral:
		s += 8
	}
	switch {
	case specific(a.EarliestAvailability):
		s += 10
	case a.Availability == calls.AvailabilityAvailable:
		s += 5
	}
	switch {
	case hasPrice(a.EstimatedRate):
		s += 10
	case specific(a.EstimatedRate):
		s += 5
	}
	return s
}

// fitScore is out of 30.
func fitScore(a *calls.Analysis) int {
	s := 0
	if a.AllCriteriaMet {
		s += 15
	}
	switch a.Availability {
	case calls.AvailabilityAvailable:
		s += 10
	case calls.AvailabilityCallback:
		s += 4
	}
	if a.SinglePersonFound {
		s += 5
	}
	return s
}

// reputationScore is out of 25.
func reputationScore(rating float64, reviews int) int {
	s := 0
	switch {
	case rating >= 4.5:
		s += 15
	case rating >= 4.0:
		s += 11
	case rating >= 3.5:
		s += 7
	case rating >= 3.0:
		s += 3
	}
	switch {
	case reviews >= 100:
		s += 10
	case reviews >= 50:
		s += 7
	case reviews >= 20:
		s += 5
	case reviews >= 5:
		s += 2
	}
	return s
}

// trustScore is out of 10.
func trustScore(a *calls.Analysis) int {
	if a.Recommended {
		return 10
	}
	return 0
}

func specific(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "unknown", "unclear", "n/a", "not provided", "not specified":
		return false
	}
	return true
}

func hasPrice(s string) bool {
	return specific(s) && strings.ContainsAny(s, "$0123456789")
}

func reasoning(c Candidate, a *calls.Analysis) string {
	var parts []string
	switch {
	case specific(a.EarliestAvailability):
		parts = append(parts, "available "+a.EarliestAvailability)
	case a.Availability == calls.AvailabilityAvailable:
		parts = append(parts, "has availability")
	case a.Availability == calls.AvailabilityCallback:
		parts = append(parts, "asked for a callback")
	}
	if c.Rating > 0 {
		parts = append(parts, fmt.Sprintf("rated %.1f from %d reviews", c.Rating, c.ReviewCount))
	}
	if specific(a.EstimatedRate) {
		parts = append(parts, "quoted "+a.EstimatedRate)
	}
	if a.AllCriteriaMet {
		parts = append(parts, "meets all your requirements")
	}

	out := ""
	if len(parts) > 0 {
		out = capitalize(strings.Join(parts, ", ")) + "."
	}
	if extra := firstSentences(a.Summary, 2); extra != "" {
		if out != "" {
			out += " "
		}
		out += extra
	}
	return out
}

func firstSentences(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var out []string
	for len(out) < n && s != "" {
		i := strings.IndexAny(s, ".!?")
		if i < 0 {
			out = append(out, s+".")
			break
		}
		if sentence := strings.TrimSpace(s[:i+1]); len(sentence) > 1 {
			out = append(out, sentence)
		}
		s = strings.TrimSpace(s[i+1:])
	}
	return strings.Join(out, " ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
