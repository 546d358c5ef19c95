package prd

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Criterion is one acceptance criterion. Schema v1 stores a bare string;
// schema >= 2.0 stores {description, passes}. Both shapes are accepted on
// read, and the original shape is preserved on write (spec §9 "Dynamic
// typing → tagged variants").
type Criterion struct {
	Description string
	Passing     bool
	bare        bool // true if this criterion was read from a bare string
}

// NewCriterion constructs a structured criterion.
func NewCriterion(description string, passes bool) Criterion {
	return Criterion{Description: description, Passing: passes}
}

// NewBareCriterion constructs a bare-string criterion (schema v1 shape).
func NewBareCriterion(description string) Criterion {
	return Criterion{Description: description, bare: true}
}

// Passes reports whether this criterion currently passes. A bare criterion
// read from disk defaults to false, per spec §9.
func (c Criterion) Passes() bool { return c.Passing }

type structuredCriterion struct {
	Description string `json:"description"`
	Passes      bool   `json:"passes"`
}

// UnmarshalJSON accepts either a bare string or {description, passes}.
func (c *Criterion) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("criterion as bare string: %w", err)
		}
		c.Description = s
		c.Passing = false
		c.bare = true
		return nil
	}

	var sc structuredCriterion
	if err := json.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("criterion as object: %w", err)
	}
	c.Description = sc.Description
	c.Passing = sc.Passes
	c.bare = false
	return nil
}

// MarshalJSON writes back in whichever shape the criterion was read as (or
// the structured shape, for criteria constructed in-process).
func (c Criterion) MarshalJSON() ([]byte, error) {
	if c.bare {
		return json.Marshal(c.Description)
	}
	return json.Marshal(structuredCriterion{Description: c.Description, Passes: c.Passing})
}

// CriteriaList is an ordered list of acceptance criteria.
type CriteriaList []Criterion
