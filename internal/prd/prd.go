// Package prd reads and writes the PRD (Product Requirements Document)
// that a Ralph loop drives to completion. The file on disk is always
// authoritative; every LoopRunner iteration re-reads it.
package prd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// PRD is the top-level document described in spec §3.
type PRD struct {
	SchemaVersion string  `json:"schemaVersion"`
	Project       string  `json:"project"`
	TaskDir       string  `json:"taskDir"`
	BranchName    string  `json:"branchName"`
	Type          string  `json:"type"`
	Description   string  `json:"description"`
	MergeTarget   string  `json:"mergeTarget,omitempty"`
	AutoMerge     bool    `json:"autoMerge,omitempty"`
	Agent         string  `json:"agent,omitempty"`
	Phases        []Phase `json:"phases,omitempty"`
	UserStories   []Story `json:"userStories"`

	// Checkpoint fields, present only while a loop is paused (spec §4.5).
	Checkpointed     bool   `json:"checkpointed,omitempty"`
	LastIteration    int    `json:"lastIteration,omitempty"`
	CheckpointReason string `json:"checkpointReason,omitempty"`
}

// Phase is one entry of an investigation PRD's ordered phase list.
type Phase struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	ExpandsTo           string `json:"expandsTo,omitempty"`
	Dynamic             bool   `json:"dynamic,omitempty"`
	RequiresAllPrevious bool   `json:"requiresAllPrevious,omitempty"`
}

// SpawnConfig controls how a story that can spawn new stories names and
// places them.
type SpawnConfig struct {
	IDPrefix    string `json:"idPrefix,omitempty"`
	TargetPhase string `json:"targetPhase,omitempty"`
}

// DecisionStatus is the lifecycle of a decision-gate story's answer file.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionAnswered DecisionStatus = "answered"
	DecisionApplied  DecisionStatus = "applied"
)

// DecisionConfig describes a decision-gate story's markdown answer file.
type DecisionConfig struct {
	Slug                  string         `json:"slug"`
	InputFile             string         `json:"inputFile"`
	Status                DecisionStatus `json:"status"`
	Options               []string       `json:"options,omitempty"`
	AgentRecommendation   string         `json:"agentRecommendation,omitempty"`
	RecommendationReason  string         `json:"recommendationReason,omitempty"`
	ConfidenceLevel       string         `json:"confidenceLevel,omitempty"`
	UserSelection         string         `json:"userSelection,omitempty"`
	UserNotes             string         `json:"userNotes,omitempty"`
}

// Story is one user story, the unit of work the loop selects and executes.
type Story struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Priority           int             `json:"priority"`
	Passes             bool            `json:"passes"`
	Notes              string          `json:"notes,omitempty"`
	AcceptanceCriteria CriteriaList    `json:"acceptanceCriteria,omitempty"`
	Phase              string          `json:"phase,omitempty"`
	Type               string          `json:"type,omitempty"`
	BlockedBy          []string        `json:"blockedBy,omitempty"`
	Blocks             []string        `json:"blocks,omitempty"`
	CanSpawnStories    bool            `json:"canSpawnStories,omitempty"`
	SpawnConfig        *SpawnConfig    `json:"spawnConfig,omitempty"`
	DecisionConfig     *DecisionConfig `json:"decisionConfig,omitempty"`
}

// IsDecisionGate reports whether the story is a decision gate (invariant 4).
func (s *Story) IsDecisionGate() bool {
	return s.Type == "decision-gate"
}

// RecomputePasses applies invariant 2: in schema >= 2.0 a story's Passes is
// derived from its criteria; in schema v1 Passes is authoritative as read.
func (s *Story) RecomputePasses(v SchemaVersion) {
	if v.Less(SchemaVersion{Major: 2, Minor: 0}) {
		return
	}
	if len(s.AcceptanceCriteria) == 0 {
		return
	}
	for _, c := range s.AcceptanceCriteria {
		if !c.Passes() {
			s.Passes = false
			return
		}
	}
	s.Passes = true
}

// SchemaVersion is a parsed {Major, Minor} pair.
type SchemaVersion struct {
	Major int
	Minor int
}

// Less reports whether v is strictly less than other.
func (v SchemaVersion) Less(other SchemaVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseSchemaVersion parses a two-part version string like "2.1". Absent or
// unparsable values default to 1.0, matching the original v1 schema.
func ParseSchemaVersion(s string) SchemaVersion {
	if s == "" {
		return SchemaVersion{Major: 1, Minor: 0}
	}
	var v SchemaVersion
	if _, err := fmt.Sscanf(s, "%d.%d", &v.Major, &v.Minor); err != nil {
		return SchemaVersion{Major: 1, Minor: 0}
	}
	return v
}

// Version returns the PRD's parsed schema version.
func (p *PRD) Version() SchemaVersion {
	return ParseSchemaVersion(p.SchemaVersion)
}

// Path returns the on-disk location of the PRD for a task directory.
func Path(taskDir string) string {
	return filepath.Join(taskDir, "prd.json")
}

// Load reads and parses the PRD, validating invariant 1 (unique ids) and
// the blockedBy/blocks graph (no cycles, per spec §9).
func Load(taskDir string) (*PRD, error) {
	path := Path(taskDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PRD %s: %w", path, err)
	}

	var p PRD
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing PRD %s: %w", path, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PRD %s: %w", path, err)
	}

	v := p.Version()
	for i := range p.UserStories {
		p.UserStories[i].RecomputePasses(v)
	}

	return &p, nil
}

// Validate checks invariant 1 (unique ids) and detects blockedBy/blocks
// cycles (spec §9 "Cyclic story references").
func (p *PRD) Validate() error {
	seen := make(map[string]bool, len(p.UserStories))
	for _, s := range p.UserStories {
		if s.ID == "" {
			return fmt.Errorf("story with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate story id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range p.UserStories {
		for _, b := range s.BlockedBy {
			if !seen[b] {
				return fmt.Errorf("story %q blockedBy unknown id %q", s.ID, b)
			}
		}
	}
	return detectCycle(p.UserStories)
}

// Save writes the PRD back to disk using a write-to-temp-then-rename
// strategy (spec §5), preserving stable key ordering via struct tag order.
func Save(taskDir string, p *PRD) error {
	path := Path(taskDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating task dir: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling PRD: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".prd-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// FindStory returns a pointer into p.UserStories for the given id, or nil.
func (p *PRD) FindStory(id string) *Story {
	for i := range p.UserStories {
		if p.UserStories[i].ID == id {
			return &p.UserStories[i]
		}
	}
	return nil
}

// IsComplete reports whether every story passes. An empty story list is not
// considered complete (mirrors the teacher's prd.IsComplete).
func (p *PRD) IsComplete() bool {
	if len(p.UserStories) == 0 {
		return false
	}
	for _, s := range p.UserStories {
		if !s.Passes {
			return false
		}
	}
	return true
}

// Progress returns "done/total".
func (p *PRD) Progress() (done, total int) {
	for _, s := range p.UserStories {
		total++
		if s.Passes {
			done++
		}
	}
	return done, total
}

// blockerSatisfied implements the blockedBy half of invariant 3: a blocker
// is satisfied if it passes, or — for a decision gate — its decision has
// been applied.
func blockerSatisfied(p *PRD, id string) bool {
	s := p.FindStory(id)
	if s == nil {
		return false
	}
	if s.Passes {
		return true
	}
	if s.IsDecisionGate() && s.DecisionConfig != nil && s.DecisionConfig.Status == DecisionApplied {
		return true
	}
	return false
}

// Eligible reports whether a story may be selected for execution
// (invariant 3): passes=false and every blocker satisfied. A decision-gate
// story is never eligible for auto-completion (invariant 4) — it can only
// become satisfied as a blocker once its decision file is applied.
func Eligible(p *PRD, s *Story) bool {
	if s.Passes {
		return false
	}
	if s.IsDecisionGate() {
		return false
	}
	for _, b := range s.BlockedBy {
		if !blockerSatisfied(p, b) {
			return false
		}
	}
	return true
}

// NextStory picks, among eligible stories, the one with the lowest
// priority, ties broken by id ascending (spec §4.5 step 3).
func NextStory(p *PRD) *Story {
	var candidates []*Story
	for i := range p.UserStories {
		s := &p.UserStories[i]
		if Eligible(p, s) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// PendingDecisions returns the decision-gate stories, among those blocking
// some not-yet-eligible story, whose decision file hasn't been applied yet.
// Used when the iteration loop finds no eligible story (spec §4.5 step 3).
func PendingDecisions(p *PRD) []*Story {
	var pending []*Story
	for i := range p.UserStories {
		s := &p.UserStories[i]
		if !s.IsDecisionGate() || s.Passes {
			continue
		}
		if s.DecisionConfig != nil && s.DecisionConfig.Status == DecisionApplied {
			continue
		}
		pending = append(pending, s)
	}
	return pending
}
