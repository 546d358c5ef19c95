package prd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadNonExistent(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := Load(tmpDir)
	if err == nil {
		t.Fatal("expected an error for a missing PRD file")
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	p := &PRD{
		SchemaVersion: "1.0",
		Project:       "Test Project",
		TaskDir:       tmpDir,
		BranchName:    "ralph/test",
		Description:   "A test project",
		UserStories: []Story{
			{
				ID:                 "US-001",
				Title:              "First Story",
				Description:        "Do something",
				AcceptanceCriteria: CriteriaList{NewBareCriterion("It works")},
				Passes:             false,
			},
		},
	}

	if err := Save(tmpDir, p); err != nil {
		t.Fatalf("failed to save PRD: %v", err)
	}

	path := Path(tmpDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("PRD file was not created")
	}

	loaded, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("failed to load PRD: %v", err)
	}

	if loaded.Project != p.Project {
		t.Errorf("expected project %q, got %q", p.Project, loaded.Project)
	}
	if len(loaded.UserStories) != 1 {
		t.Errorf("expected 1 story, got %d", len(loaded.UserStories))
	}
	if loaded.UserStories[0].AcceptanceCriteria[0].Description != "It works" {
		t.Errorf("bare criterion round-trip lost its description")
	}
}

func TestSaveRoundTripIsByteIdentical(t *testing.T) {
	tmpDir := t.TempDir()
	p := &PRD{
		SchemaVersion: "2.0",
		Project:       "Proj",
		BranchName:    "b",
		UserStories: []Story{
			{ID: "US-001", Title: "A", Priority: 1, AcceptanceCriteria: CriteriaList{NewCriterion("ok", true)}, Passes: true},
		},
	}
	if err := Save(tmpDir, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, err := os.ReadFile(Path(tmpDir))
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Save(tmpDir, loaded); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	second, err := os.ReadFile(Path(tmpDir))
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Errorf("read-modify-write without modification changed the file:\n--- first ---\n%s\n--- second ---\n%s", first, second)
	}
}

func TestNextStoryPicksLowestPriorityTieBrokenByID(t *testing.T) {
	p := &PRD{
		UserStories: []Story{
			{ID: "US-002", Priority: 1, Passes: false},
			{ID: "US-001", Priority: 1, Passes: false},
			{ID: "US-003", Priority: 5, Passes: false},
		},
	}

	s := NextStory(p)
	if s == nil || s.ID != "US-001" {
		t.Fatalf("expected US-001, got %+v", s)
	}
}

func TestNextStorySkipsBlockedStories(t *testing.T) {
	p := &PRD{
		UserStories: []Story{
			{ID: "US-001", Priority: 1, Passes: false},
			{ID: "US-002", Priority: 0, Passes: false, BlockedBy: []string{"US-001"}},
		},
	}

	s := NextStory(p)
	if s == nil || s.ID != "US-001" {
		t.Fatalf("expected US-001 (US-002 is blocked), got %+v", s)
	}
}

func TestEligibleDecisionGateBlocker(t *testing.T) {
	p := &PRD{
		UserStories: []Story{
			{
				ID: "US-010-DECIDE", Type: "decision-gate", Passes: false,
				DecisionConfig: &DecisionConfig{Status: DecisionPending},
			},
			{ID: "US-011-A", Passes: false, BlockedBy: []string{"US-010-DECIDE"}},
		},
	}

	if Eligible(p, p.FindStory("US-011-A")) {
		t.Error("story blocked by a pending decision gate must not be eligible")
	}

	p.UserStories[0].DecisionConfig.Status = DecisionApplied
	if !Eligible(p, p.FindStory("US-011-A")) {
		t.Error("story blocked by an applied decision gate should become eligible")
	}
}

func TestPendingDecisions(t *testing.T) {
	p := &PRD{
		UserStories: []Story{
			{ID: "US-010", Passes: true},
			{ID: "US-010-DECIDE", Type: "decision-gate", Passes: false, DecisionConfig: &DecisionConfig{Status: DecisionPending}},
			{ID: "US-011-A", Passes: false, BlockedBy: []string{"US-010-DECIDE"}},
		},
	}

	pending := PendingDecisions(p)
	if len(pending) != 1 || pending[0].ID != "US-010-DECIDE" {
		t.Fatalf("expected exactly US-010-DECIDE pending, got %+v", pending)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	p := &PRD{UserStories: []Story{{ID: "US-001"}, {ID: "US-001"}}}
	if err := p.Validate(); err == nil {
		t.Fatal("expected an error for duplicate story ids")
	}
}

func TestValidateRejectsCycles(t *testing.T) {
	p := &PRD{
		UserStories: []Story{
			{ID: "US-001", BlockedBy: []string{"US-002"}},
			{ID: "US-002", BlockedBy: []string{"US-001"}},
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected an error for a blockedBy cycle")
	}
}

func TestIsComplete(t *testing.T) {
	tests := []struct {
		name     string
		prd      *PRD
		expected bool
	}{
		{name: "empty", prd: &PRD{}, expected: false},
		{name: "not complete", prd: &PRD{UserStories: []Story{{ID: "1", Passes: false}}}, expected: false},
		{name: "complete", prd: &PRD{UserStories: []Story{{ID: "1", Passes: true}}}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.prd.IsComplete(); got != tt.expected {
				t.Errorf("IsComplete() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	p := &PRD{UserStories: []Story{{ID: "1", Passes: true}, {ID: "2", Passes: false}, {ID: "3", Passes: true}}}
	done, total := p.Progress()
	if done != 2 || total != 3 {
		t.Errorf("Progress() = %d/%d, want 2/3", done, total)
	}
}

func TestRecomputePassesSchemaV2RequiresAllCriteria(t *testing.T) {
	s := Story{
		AcceptanceCriteria: CriteriaList{
			NewCriterion("a", true),
			NewCriterion("b", false),
		},
		Passes: true, // stale value that must be corrected
	}
	s.RecomputePasses(SchemaVersion{Major: 2, Minor: 0})
	if s.Passes {
		t.Error("story with a failing criterion must not pass under schema >= 2.0")
	}

	s.AcceptanceCriteria[1].Passing = true
	s.RecomputePasses(SchemaVersion{Major: 2, Minor: 0})
	if !s.Passes {
		t.Error("story with all passing criteria should pass under schema >= 2.0")
	}
}

func TestRecomputePassesSchemaV1IsAuthoritative(t *testing.T) {
	s := Story{
		AcceptanceCriteria: CriteriaList{NewCriterion("a", false)},
		Passes:             true,
	}
	s.RecomputePasses(SchemaVersion{Major: 1, Minor: 0})
	if !s.Passes {
		t.Error("schema v1 Passes must not be overridden by criteria")
	}
}

func TestParseSchemaVersion(t *testing.T) {
	tests := []struct {
		in   string
		want SchemaVersion
	}{
		{"", SchemaVersion{1, 0}},
		{"2.1", SchemaVersion{2, 1}},
		{"garbage", SchemaVersion{1, 0}},
	}
	for _, tt := range tests {
		if got := ParseSchemaVersion(tt.in); got != tt.want {
			t.Errorf("ParseSchemaVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPath(t *testing.T) {
	path := Path("/project/tasks/feature")
	expected := filepath.Join("/project/tasks/feature", "prd.json")
	if path != expected {
		t.Errorf("expected %s, got %s", expected, path)
	}
}
