// Package duplicate implements the ordered duplicate-detection rules that
// decide whether a classified envelope should create a new task or append
// a comment to an existing one. When in doubt the rules favor creating a
// new task over silently merging distinct work.
package duplicate

import (
	"time"

	"github.com/xrash/smetrics"
)

// Candidate is the envelope under evaluation. The extracted fields come
// from the classifier and feed the recurring-allowed/as-needed carve-outs;
// a field the classifier could not find is the empty string.
type Candidate struct {
	Category    string
	Subcategory string
	Text        string
	CreatedAt   time.Time

	MonthReference  string
	BeneficiaryName string
	ServiceID       string
	DateMentioned   string
	NamedParty      string
}

// ExistingTask is a previously created task in the same destination list,
// the candidate pool the rules compare against.
type ExistingTask struct {
	TaskID      string
	Category    string
	Subcategory string
	Text        string
	CreatedAt   time.Time

	MonthReference  string
	BeneficiaryName string
	ServiceID       string
	DateMentioned   string
	NamedParty      string
}

// Config bounds the rules' thresholds, sourced from internal/config's
// DispatchConfig. RecurringAllowedCategories and AsNeededCategories are
// keyed on subcategory.
type Config struct {
	TextSimilarityThreshold    float64
	WindowHours                int
	AsNeededElapsedHours       int
	RecurringAllowedCategories []string
	AsNeededCategories         []string
}

// Verdict is the rules' output.
type Verdict struct {
	IsDuplicate   bool
	MatchedTaskID string
	Reason        string
}

// Evaluate runs the ordered rules against candidate and the pool of
// existing tasks already fetched for the same destination list. Rule 1
// (hard duplicate) always evaluates first, ahead of the recurring-allowed
// and as-needed carve-outs, matching the order a false non-duplicate is
// least costly to recover from.
func Evaluate(candidate Candidate, existing []ExistingTask, now time.Time, cfg Config) Verdict {
	window := time.Duration(cfg.WindowHours) * time.Hour
	for _, task := range existing {
		if task.Category != candidate.Category || task.Subcategory != candidate.Subcategory {
			continue
		}
		if candidate.CreatedAt.Sub(task.CreatedAt) > window {
			continue
		}
		similarity := smetrics.JaroWinkler(
			normalizeForComparison(candidate.Text),
			normalizeForComparison(task.Text),
			0.7, 4,
		)
		if similarity >= cfg.TextSimilarityThreshold {
			return Verdict{IsDuplicate: true, MatchedTaskID: task.TaskID, Reason: "hard_duplicate"}
		}
	}

	if isListed(candidate.Subcategory, cfg.RecurringAllowedCategories) {
		for _, task := range existing {
			if task.Subcategory != candidate.Subcategory {
				continue
			}
			if candidate.MonthReference != task.MonthReference ||
				candidate.BeneficiaryName != task.BeneficiaryName ||
				candidate.ServiceID != task.ServiceID {
				continue
			}
			return Verdict{IsDuplicate: true, MatchedTaskID: task.TaskID, Reason: "recurring_allowed_match"}
		}
		return Verdict{IsDuplicate: false, Reason: "recurring_allowed_category"}
	}

	if isListed(candidate.Subcategory, cfg.AsNeededCategories) {
		elapsedLimit := time.Duration(cfg.AsNeededElapsedHours) * time.Hour
		for _, task := range existing {
			if task.Subcategory != candidate.Subcategory {
				continue
			}
			if candidate.DateMentioned != task.DateMentioned || candidate.NamedParty != task.NamedParty {
				continue
			}
			if candidate.CreatedAt.Sub(task.CreatedAt) > elapsedLimit {
				continue
			}
			return Verdict{IsDuplicate: true, MatchedTaskID: task.TaskID, Reason: "as_needed_match"}
		}
		return Verdict{IsDuplicate: false, Reason: "as_needed_category"}
	}

	return Verdict{IsDuplicate: false, Reason: "no_match"}
}

func isListed(category string, list []string) bool {
	for _, c := range list {
		if c == category {
			return true
		}
	}
	return false
}

func normalizeForComparison(text string) string {
	runes := []rune(text)
	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}
