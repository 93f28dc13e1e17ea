package text

import (
	"math/rand"
	"regexp"
	"strings"
)

// Policy selects which template a recipient gets.
type Policy string

const (
	PolicySequential Policy = "sequential"
	PolicyRandom     Policy = "random"
)

// ParsePolicy defaults unknown values to sequential.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyRandom)) {
		return PolicyRandom
	}
	return PolicySequential
}

// Placeholder tokens are matched case-insensitively and tolerate internal
// whitespace: "{ Name }" and "{name}" are equivalent. The legacy aliases
// nama/nomorhp are accepted alongside name/phone.
var (
	namePlaceholder  = regexp.MustCompile(`(?i)\{\s*(?:name|nama)\s*\}`)
	phonePlaceholder = regexp.MustCompile(`(?i)\{\s*(?:phone|nomorhp|number)\s*\}`)
)

// TemplateSet is an ordered sequence of raw message templates plus a
// selection policy.
type TemplateSet struct {
	Templates []string
	Policy    Policy

	rng *rand.Rand
}

// NewTemplateSet drops blank templates and falls back to a single empty
// template when nothing is left, so Select is always total.
func NewTemplateSet(templates []string, policy Policy) *TemplateSet {
	kept := make([]string, 0, len(templates))
	for _, t := range templates {
		if strings.TrimSpace(t) != "" {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		kept = []string{""}
	}
	return &TemplateSet{Templates: kept, Policy: policy}
}

// WithRand fixes the random source (tests).
func (s *TemplateSet) WithRand(rng *rand.Rand) *TemplateSet {
	s.rng = rng
	return s
}

// Select returns the raw template for the i-th recipient in submission order.
// Sequential policy is i mod N; random draws uniformly per recipient.
func (s *TemplateSet) Select(i int) string {
	n := len(s.Templates)
	if n == 1 {
		return s.Templates[0]
	}
	if s.Policy == PolicyRandom {
		if s.rng != nil {
			return s.Templates[s.rng.Intn(n)]
		}
		return s.Templates[rand.Intn(n)]
	}
	if i < 0 {
		i = 0
	}
	return s.Templates[i%n]
}

// Render substitutes the recipient's fields into the template.
func Render(template string, r Recipient) string {
	out := namePlaceholder.ReplaceAllString(template, r.Name)
	out = phonePlaceholder.ReplaceAllString(out, r.Phone)
	return out
}
