package security

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

// Rule names reported in a PolicyViolationError.
const (
	RuleMinLength        = "min_length"
	RuleUppercase        = "uppercase"
	RuleLowercase        = "lowercase"
	RuleDigit            = "digit"
	RuleSpecial          = "special"
	RuleDenylisted       = "denylisted"
	RuleContainsIdentity = "contains_identity"
	RuleSequential       = "sequential"
	RuleReused           = apperrors.RuleReused
)

// DefaultDenylist holds passwords rejected regardless of composition.
var DefaultDenylist = []string{
	"password", "password123", "123456", "12345678", "qwerty",
	"abc123", "monkey", "master", "dragon", "letmein",
	"login", "admin", "welcome", "solo", "princess",
	"starwars", "passw0rd", "p@ssword", "p@ssw0rd",
}

var keyboardSequences = []string{
	"abcdefghijklmnopqrstuvwxyz",
	"0123456789",
	"qwertyuiop",
	"asdfghjkl",
	"zxcvbnm",
}

// PolicyConfig is the tunable part of the password policy. It can be loaded
// from a TOML file.
type PolicyConfig struct {
	MinLength        int      `toml:"min_length"`
	RequireUppercase bool     `toml:"require_uppercase"`
	RequireLowercase bool     `toml:"require_lowercase"`
	RequireDigit     bool     `toml:"require_digit"`
	RequireSpecial   bool     `toml:"require_special"`
	RejectIdentity   bool     `toml:"reject_identity"`
	RejectSequential bool     `toml:"reject_sequential"`
	SequenceLength   int      `toml:"sequence_length"`
	Denylist         []string `toml:"denylist"`
}

// DefaultPolicyConfig returns the policy the classroom app enforces out of the box.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MinLength:        8,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSpecial:   true,
		RejectIdentity:   true,
		RejectSequential: false,
		SequenceLength:   3,
		Denylist:         append([]string(nil), DefaultDenylist...),
	}
}

// PolicyEngine validates candidate passwords. It holds no mutable state and
// is safe for concurrent use.
type PolicyEngine struct {
	cfg      PolicyConfig
	denylist map[string]struct{}
	hasher   Hasher
}

// NewPolicyEngine creates a policy engine. hasher is used only for the reuse
// rule and must understand every hash stored in a user's history.
func NewPolicyEngine(cfg PolicyConfig, hasher Hasher) *PolicyEngine {
	if cfg.SequenceLength < 2 {
		cfg.SequenceLength = 3
	}
	deny := make(map[string]struct{}, len(cfg.Denylist))
	for _, p := range cfg.Denylist {
		deny[strings.ToLower(p)] = struct{}{}
	}
	return &PolicyEngine{cfg: cfg, denylist: deny, hasher: hasher}
}

// Validate checks candidate against every rule and reports all failures in a
// single *errors.PolicyViolationError. history holds previous password hashes,
// most recent first. identity may be empty.
func (p *PolicyEngine) Validate(candidate string, history []string, identity string) error {
	var failed []string

	if utf8.RuneCountInString(candidate) < p.cfg.MinLength {
		failed = append(failed, RuleMinLength)
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if p.cfg.RequireUppercase && !hasUpper {
		failed = append(failed, RuleUppercase)
	}
	if p.cfg.RequireLowercase && !hasLower {
		failed = append(failed, RuleLowercase)
	}
	if p.cfg.RequireDigit && !hasDigit {
		failed = append(failed, RuleDigit)
	}
	if p.cfg.RequireSpecial && !hasSpecial {
		failed = append(failed, RuleSpecial)
	}

	lower := strings.ToLower(candidate)
	if _, ok := p.denylist[lower]; ok {
		failed = append(failed, RuleDenylisted)
	}
	if p.cfg.RejectIdentity && identity != "" && strings.Contains(lower, strings.ToLower(identity)) {
		failed = append(failed, RuleContainsIdentity)
	}
	if p.cfg.RejectSequential && hasSequence(lower, p.cfg.SequenceLength) {
		failed = append(failed, RuleSequential)
	}

	reused, err := p.matchesHistory(candidate, history)
	if err != nil {
		return err
	}
	if reused {
		failed = append(failed, RuleReused)
	}

	if len(failed) > 0 {
		return &apperrors.PolicyViolationError{Rules: failed}
	}
	return nil
}

func (p *PolicyEngine) matchesHistory(candidate string, history []string) (bool, error) {
	for _, h := range history {
		if h == "" {
			continue
		}
		ok, err := p.hasher.Verify(candidate, h)
		if err != nil {
			return false, fmt.Errorf("failed to check password history: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func hasSequence(s string, n int) bool {
	for _, seq := range keyboardSequences {
		for i := 0; i+n <= len(seq); i++ {
			run := seq[i : i+n]
			if strings.Contains(s, run) || strings.Contains(s, reverse(run)) {
				return true
			}
		}
	}
	return false
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// Strength scores a password from 0 to 100 and labels it Weak, Fair, Good or
// Strong. It is advisory only; Validate is the gate.
func (p *PolicyEngine) Strength(password string) (int, string) {
	score := 0

	length := utf8.RuneCountInString(password)
	if length >= 8 {
		score += 20
	}
	if length >= 12 {
		score += 15
	}
	if length >= 16 {
		score += 10
	}

	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}

	kinds := 0
	if lower {
		score += 10
		kinds++
	}
	if upper {
		score += 15
		kinds++
	}
	if digit {
		score += 15
		kinds++
	}
	if special {
		score += 15
		kinds++
	}
	if kinds >= 3 {
		score += 10
	}
	if kinds == 4 {
		score += 10
	}

	if _, ok := p.denylist[strings.ToLower(password)]; ok {
		score = min(score, 10)
	}
	score = min(score, 100)

	switch {
	case score >= 80:
		return score, "Strong"
	case score >= 60:
		return score, "Good"
	case score >= 40:
		return score, "Fair"
	default:
		return score, "Weak"
	}
}
