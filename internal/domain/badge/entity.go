// Package badge holds the badge catalogue, the typed criterion variant and
// the award ledger contracts.
package badge

import (
	"encoding/json"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/campusflow/attendance-engine/internal/domain/shared"
)

// Evidence keys recorded in award metadata.
const (
	MetaStreak     = "streak"
	MetaSubjectID  = "subjectId"
	MetaPercentage = "percentage"
	MetaEvent      = "event"
	MetaManual     = "manual"
	MetaAwardedBy  = "awardedBy"
)

// Metadata is free-form evidence stored with an award.
type Metadata map[string]any

// Clone returns a shallow copy, never nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsManual reports whether the award came from an administrative override.
func (m Metadata) IsManual() bool {
	v, _ := m[MetaManual].(bool)
	return v
}

// Definition is a badge of the catalogue. Immutable reference data owned by
// the admin workflow.
type Definition struct {
	Code        string
	Name        string
	Description string
	Icon        string
	Criterion   Criterion
}

// Validate checks the code and the criterion parameters.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Code) == "" {
		return shared.ErrEmptyBadgeCode
	}
	if d.Criterion == nil {
		return shared.NewDomainError("badge", "Validate", shared.ErrInvalidInput, "badge "+d.Code+" has no criterion")
	}
	return Validate(d.Criterion)
}

type definitionDoc struct {
	Code        string       `json:"code" yaml:"code"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Icon        string       `json:"icon,omitempty" yaml:"icon,omitempty"`
	Criterion   criterionDoc `json:"criterion" yaml:"criterion"`
}

func (d Definition) toDoc() (definitionDoc, error) {
	doc := definitionDoc{Code: d.Code, Name: d.Name, Description: d.Description, Icon: d.Icon}
	if d.Criterion != nil {
		c, err := encodeCriterion(d.Criterion)
		if err != nil {
			return doc, err
		}
		doc.Criterion = c
	}
	return doc, nil
}

func (d *Definition) fromDoc(doc definitionDoc) error {
	c, err := decodeCriterion(doc.Criterion)
	if err != nil {
		return err
	}
	*d = Definition{
		Code:        doc.Code,
		Name:        doc.Name,
		Description: doc.Description,
		Icon:        doc.Icon,
		Criterion:   c,
	}
	return nil
}

// MarshalJSON renders the criterion in its tagged form.
func (d Definition) MarshalJSON() ([]byte, error) {
	doc, err := d.toDoc()
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a tagged criterion and applies its defaults.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var doc definitionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return d.fromDoc(doc)
}

// MarshalYAML implements yaml.Marshaler.
func (d Definition) MarshalYAML() (any, error) {
	return d.toDoc()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	var doc definitionDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	return d.fromDoc(doc)
}

// Award is a permanent record that a student satisfied a badge criterion.
type Award struct {
	ID        string
	StudentID string
	BadgeCode string
	AwardedAt time.Time
	Metadata  Metadata
}

// State is a catalogue badge seen from one student: locked or unlocked.
type State struct {
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Icon        string     `json:"icon"`
	AwardedAt   *time.Time `json:"awardedAt"`
	Metadata    Metadata   `json:"metadata"`
	Unlocked    bool       `json:"unlocked"`
}

// UnlockedCount counts unlocked states.
func UnlockedCount(states []State) int {
	n := 0
	for _, s := range states {
		if s.Unlocked {
			n++
		}
	}
	return n
}
