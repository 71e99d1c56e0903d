package duplicate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		TextSimilarityThreshold:    0.9,
		WindowHours:                24,
		AsNeededElapsedHours:       168,
		RecurringAllowedCategories: []string{"monthly"},
		AsNeededCategories:         []string{"plumbing"},
	}
}

func TestEvaluate_HardDuplicateWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{Category: "finance", Subcategory: "invoice", Text: "please review the march invoice", CreatedAt: now}
	existing := []ExistingTask{
		{TaskID: "t1", Category: "finance", Subcategory: "invoice", Text: "please review the march invoice", CreatedAt: now.Add(-2 * time.Hour)},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "t1", v.MatchedTaskID)
	assert.Equal(t, "hard_duplicate", v.Reason)
}

func TestEvaluate_OutsideWindowNotDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{Category: "finance", Subcategory: "invoice", Text: "please review the march invoice", CreatedAt: now}
	existing := []ExistingTask{
		{TaskID: "t1", Category: "finance", Subcategory: "invoice", Text: "please review the march invoice", CreatedAt: now.Add(-25 * time.Hour)},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.False(t, v.IsDuplicate)
}

func TestEvaluate_DissimilarTextNotDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{Category: "finance", Subcategory: "invoice", Text: "please review the march invoice", CreatedAt: now}
	existing := []ExistingTask{
		{TaskID: "t1", Category: "finance", Subcategory: "invoice", Text: "schedule a meeting about onboarding", CreatedAt: now.Add(-1 * time.Hour)},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.False(t, v.IsDuplicate)
}

func TestEvaluate_RecurringAllowed_DifferentBeneficiaryNotDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{
		Category: "payroll", Subcategory: "monthly", Text: "run payroll for march", CreatedAt: now,
		MonthReference: "march", BeneficiaryName: "jane doe", ServiceID: "svc-1",
	}
	existing := []ExistingTask{
		{
			TaskID: "t1", Category: "payroll", Subcategory: "monthly", Text: "run payroll for march", CreatedAt: now.Add(-48 * time.Hour),
			MonthReference: "march", BeneficiaryName: "john smith", ServiceID: "svc-1",
		},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, "recurring_allowed_category", v.Reason)
}

func TestEvaluate_RecurringAllowed_SameExtractedFieldsIsDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{
		Category: "payroll", Subcategory: "monthly", Text: "run payroll for march", CreatedAt: now,
		MonthReference: "march", BeneficiaryName: "jane doe", ServiceID: "svc-1",
	}
	existing := []ExistingTask{
		{
			TaskID: "t1", Category: "payroll", Subcategory: "monthly", Text: "run payroll for march", CreatedAt: now.Add(-48 * time.Hour),
			MonthReference: "march", BeneficiaryName: "jane doe", ServiceID: "svc-1",
		},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "t1", v.MatchedTaskID)
	assert.Equal(t, "recurring_allowed_match", v.Reason)
}

func TestEvaluate_AsNeeded_DifferentNamedPartyNotDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{
		Category: "maintenance", Subcategory: "plumbing", Text: "fix the leaking sink", CreatedAt: now,
		DateMentioned: "jan 2", NamedParty: "plumber A",
	}
	existing := []ExistingTask{
		{
			TaskID: "t1", Category: "maintenance", Subcategory: "plumbing", Text: "fix the leaking sink", CreatedAt: now.Add(-48 * time.Hour),
			DateMentioned: "jan 2", NamedParty: "plumber B",
		},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, "as_needed_category", v.Reason)
}

func TestEvaluate_AsNeeded_SameFieldsWithinElapsedIsDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{
		Category: "maintenance", Subcategory: "plumbing", Text: "fix the leaking sink", CreatedAt: now,
		DateMentioned: "jan 2", NamedParty: "plumber A",
	}
	existing := []ExistingTask{
		{
			TaskID: "t1", Category: "maintenance", Subcategory: "plumbing", Text: "fix the leaking sink", CreatedAt: now.Add(-72 * time.Hour),
			DateMentioned: "jan 2", NamedParty: "plumber A",
		},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "t1", v.MatchedTaskID)
	assert.Equal(t, "as_needed_match", v.Reason)
}

func TestEvaluate_AsNeeded_SameFieldsButElapsedExceededNotDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{
		Category: "maintenance", Subcategory: "plumbing", Text: "fix the leaking sink", CreatedAt: now,
		DateMentioned: "jan 2", NamedParty: "plumber A",
	}
	existing := []ExistingTask{
		{
			TaskID: "t1", Category: "maintenance", Subcategory: "plumbing", Text: "fix the leaking sink", CreatedAt: now.Add(-200 * time.Hour),
			DateMentioned: "jan 2", NamedParty: "plumber A",
		},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, "as_needed_category", v.Reason)
}

func TestEvaluate_HardDuplicateRunsBeforeRecurringCarveOut(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{
		Category: "payroll", Subcategory: "monthly", Text: "run payroll for march", CreatedAt: now,
		MonthReference: "march", BeneficiaryName: "jane doe", ServiceID: "svc-1",
	}
	existing := []ExistingTask{
		{
			TaskID: "t1", Category: "payroll", Subcategory: "monthly", Text: "run payroll for march", CreatedAt: now.Add(-1 * time.Hour),
			MonthReference: "march", BeneficiaryName: "someone else", ServiceID: "svc-2",
		},
	}
	v := Evaluate(candidate, existing, now, testConfig())
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "t1", v.MatchedTaskID)
	assert.Equal(t, "hard_duplicate", v.Reason)
}

func TestEvaluate_NoExistingTasksNotDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	candidate := Candidate{Category: "finance", Subcategory: "invoice", Text: "please review the march invoice", CreatedAt: now}
	v := Evaluate(candidate, nil, now, testConfig())
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, "no_match", v.Reason)
}
