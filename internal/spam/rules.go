package spam

import (
	"strings"
	"unicode"
)

// RuleOutcome is the result of evaluating the rule set against a
// FeatureSet: an additive score plus the name of every rule that fired,
// persisted verbatim into the SpamFlag row's reasons field.
type RuleOutcome struct {
	Score   float64
	Reasons []string
}

func (o *RuleOutcome) push(delta float64, reason string) {
	o.Score += delta
	o.Reasons = append(o.Reasons, reason)
}

// RuleContext carries the inputs rules need beyond the FeatureSet
// itself — the raw body text and dedupe-hit history, neither of which
// belongs on FeatureSet.
type RuleContext struct {
	Body              string
	Stats             ContributionStats
	DedupeHitsLast48h int
}

// RuleVersion identifies the rule set revision, recorded so stored
// SpamFlag rows can be reconciled against a future rule change.
const RuleVersion = "rules_v1"

// RuleEngine evaluates the fixed weighted rule set against a FeatureSet.
type RuleEngine struct{}

// Version reports the rule set revision this engine evaluates.
func (RuleEngine) Version() string {
	return RuleVersion
}

// Evaluate scores features against the rule set, accumulating a reason
// for every rule that fires.
func (RuleEngine) Evaluate(features FeatureSet, ctx RuleContext) RuleOutcome {
	var outcome RuleOutcome

	if isContactOnly(ctx.Body) {
		outcome.push(2.0, "contact_only")
	}

	if features.BodyLength < 40 && (features.EmojiCount > 5 || features.RepeatedCharRatio > 0.2) {
		outcome.push(1.5, "short_with_noise")
	}

	if features.RepeatedCharRatio > 0.2 {
		outcome.push(1.0, "repeated_chars")
	}

	if features.URLCount > 5 || features.MentionCount > 5 {
		outcome.push(1.0, "excessive_links_mentions")
	}

	if features.TokenEntropy < 1.5 {
		outcome.push(1.0, "low_entropy")
	}

	if features.DefaultTemplateHit {
		outcome.push(1.5, "template_phrase")
	}

	if features.AccountAgeDays != nil && *features.AccountAgeDays < 7.0 && ctx.Stats.PostsLast24h >= 3 {
		outcome.push(2.5, "new_account_heavy_posting")
	}

	if ctx.DedupeHitsLast48h >= 3 {
		outcome.push(3.0, "dedupe_hash_reused")
	}

	return outcome
}

var contactPhrases = []string{"contact", "email", "reach", "whatsapp", "telegram"}

// isContactOnly flags bodies that are almost entirely a contact-me
// pitch: a contact phrase present, and at most 3 non-@-handle
// alphabetic tokens outside it.
func isContactOnly(body string) bool {
	lower := strings.ToLower(body)
	trimmed := strings.TrimSpace(lower)
	if trimmed == "" {
		return false
	}

	tokens := strings.Fields(trimmed)
	hasContactWord := false
	for _, phrase := range contactPhrases {
		if strings.Contains(trimmed, phrase) {
			hasContactWord = true
			break
		}
	}
	if !hasContactWord {
		return false
	}

	nonContactTokens := 0
	for _, token := range tokens {
		if containsLetter(token) && !strings.Contains(token, "@") && !containsContactPhrase(token) {
			nonContactTokens++
		}
	}
	return nonContactTokens <= 3
}

func containsContactPhrase(token string) bool {
	for _, phrase := range contactPhrases {
		if strings.Contains(token, phrase) {
			return true
		}
	}
	return false
}

func containsLetter(token string) bool {
	for _, r := range token {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
