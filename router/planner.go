package router

import (
	"context"
	"regexp"
	"strings"

	"github.com/nlipgo-dev/nlipgo/envelope"
)

// Subtask is one unit of delegated work: a capability and the envelope to
// send to whichever agent serves it.
type Subtask struct {
	Capability string
	Envelope   *envelope.Envelope
}

// DelegationPlan is the ephemeral output of planning one request. Zero
// subtasks means the coordinator answers directly with DirectAnswer.
type DelegationPlan struct {
	Subtasks     []Subtask
	DirectAnswer string
}

// Planner decides how to split an incoming request into subtasks. The
// decision logic is a replaceable strategy; the router's dispatch and
// aggregation never depend on which planner produced the plan.
type Planner interface {
	Plan(ctx context.Context, env *envelope.Envelope) (*DelegationPlan, error)
}

// tickerRe matches a bare uppercase ticker symbol in query text.
var tickerRe = regexp.MustCompile(`\b[A-Z]{2,5}(?:\.[A-Z]+)?\b`)

var (
	stockKeywords   = []string{"stock", "quote", "price", "ticker", "share"}
	newsKeywords    = []string{"news", "headline", "article"}
	weatherKeywords = []string{"weather", "forecast", "temperature", "alert"}
)

// KeywordPlanner maps content keywords onto capabilities. It is the default
// planning strategy; swap it out through the router's WithPlanner option.
type KeywordPlanner struct{}

// NewKeywordPlanner creates the default planner.
func NewKeywordPlanner() *KeywordPlanner {
	return &KeywordPlanner{}
}

// Plan inspects the request content and derives one subtask per matched
// capability. Every derived envelope keeps the request's correlation ID.
func (p *KeywordPlanner) Plan(_ context.Context, env *envelope.Envelope) (*DelegationPlan, error) {
	content := env.Text()
	lower := strings.ToLower(content)

	plan := &DelegationPlan{}
	add := func(capability, query string) {
		sub := envelope.Derive(env, []byte(query)).WithMetadata("capability", capability)
		plan.Subtasks = append(plan.Subtasks, Subtask{Capability: capability, Envelope: sub})
	}

	// A bare ticker sharpens the stock and news queries; otherwise the
	// worker gets the full question.
	ticker := tickerRe.FindString(content)

	if containsAny(lower, stockKeywords) {
		query := content
		if ticker != "" {
			query = ticker
		}
		add("stock", query)
	}
	if containsAny(lower, newsKeywords) {
		query := content
		if ticker != "" {
			query = ticker
		}
		add("news", query)
	}
	if containsAny(lower, weatherKeywords) {
		add("weather", content)
	}

	if len(plan.Subtasks) == 0 {
		plan.DirectAnswer = "I can look up news, stock quotes and weather. Ask about one of those and I will delegate it to the right worker."
	}
	return plan, nil
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
