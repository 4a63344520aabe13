package spam

import (
	"time"

	"github.com/ericfisherdev/forge-collector/internal/normalize"
)

// ScoreIssue extracts features from a normalized issue and evaluates the
// rule engine, producing the RuleOutcome the collector persists as a
// SpamFlag row when Score > 0.
func ScoreIssue(issue normalize.Issue, authorCreatedAt *time.Time, stats ContributionStats, dedupeHitsLast48h int) RuleOutcome {
	engine := RuleEngine{}
	features := FeaturesForIssue(issue.Title, issue.Body, authorCreatedAt, stats)
	return engine.Evaluate(features, RuleContext{
		Body:              issue.Body,
		Stats:             stats,
		DedupeHitsLast48h: dedupeHitsLast48h,
	})
}

// ScoreComment extracts features from a normalized comment and
// evaluates the rule engine.
func ScoreComment(comment normalize.Comment, authorCreatedAt *time.Time, stats ContributionStats, dedupeHitsLast48h int) RuleOutcome {
	engine := RuleEngine{}
	features := FeaturesForComment(comment.Body, authorCreatedAt, stats)
	return engine.Evaluate(features, RuleContext{
		Body:              comment.Body,
		Stats:             stats,
		DedupeHitsLast48h: dedupeHitsLast48h,
	})
}
