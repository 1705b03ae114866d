package badge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/campusflow/attendance-engine/internal/domain/shared"
)

// Kind is the tag of a badge criterion as stored in the catalogue.
type Kind string

const (
	KindStreak               Kind = "streak"
	KindPerfectWeek          Kind = "perfectWeek"
	KindSubjectPct           Kind = "subjectPct"
	KindOverallPct           Kind = "overallPct"
	KindSemesterPct          Kind = "semesterPct"
	KindEvent                Kind = "event"
	KindCrossSubjectSequence Kind = "crossSubjectSequence"
)

// Default thresholds applied when a criterion omits its parameter.
const (
	DefaultStreakDays        = 3
	DefaultSubjectPct        = 80.0
	DefaultOverallPct        = 85.0
	DefaultSemesterPct       = 95.0
	DefaultCrossSubjectCount = 5
)

// Kinds lists every criterion kind this engine evaluates.
func Kinds() []Kind {
	return []Kind{
		KindStreak, KindPerfectWeek, KindSubjectPct, KindOverallPct,
		KindSemesterPct, KindEvent, KindCrossSubjectSequence,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CRITERION VARIANT
// ══════════════════════════════════════════════════════════════════════════════

// Criterion is the closed set of badge rules. The only implementations are
// the structs in this file; Accept routes each one to the matching Visitor
// method.
type Criterion interface {
	Kind() Kind
	Accept(ctx context.Context, v Visitor) (Outcome, error)
	criterion()
}

// Visitor handles every criterion kind. Adding a kind adds a method here.
type Visitor interface {
	VisitStreak(ctx context.Context, c StreakCriterion) (Outcome, error)
	VisitPerfectWeek(ctx context.Context, c PerfectWeekCriterion) (Outcome, error)
	VisitSubjectPct(ctx context.Context, c SubjectPctCriterion) (Outcome, error)
	VisitOverallPct(ctx context.Context, c OverallPctCriterion) (Outcome, error)
	VisitSemesterPct(ctx context.Context, c SemesterPctCriterion) (Outcome, error)
	VisitEvent(ctx context.Context, c EventCriterion) (Outcome, error)
	VisitCrossSubjectSequence(ctx context.Context, c CrossSubjectSequenceCriterion) (Outcome, error)
	VisitUnknown(ctx context.Context, c UnknownCriterion) (Outcome, error)
}

// Outcome is the result of evaluating one criterion for one student.
type Outcome struct {
	Passed   bool
	Evidence Metadata
}

// Pass returns a passing outcome carrying evidence.
func Pass(evidence Metadata) Outcome {
	if evidence == nil {
		evidence = Metadata{}
	}
	return Outcome{Passed: true, Evidence: evidence}
}

// Fail returns a failing outcome.
func Fail() Outcome {
	return Outcome{}
}

// StreakCriterion passes when the tail streak reaches MinDays.
type StreakCriterion struct {
	MinDays int `json:"minDays" yaml:"minDays"`
}

// PerfectWeekCriterion passes when every session of the trailing week was
// attended.
type PerfectWeekCriterion struct{}

// SubjectPctCriterion passes when attendance in one subject reaches MinPct.
type SubjectPctCriterion struct {
	SubjectID string  `json:"subjectId" yaml:"subjectId"`
	MinPct    float64 `json:"minPct" yaml:"minPct"`
}

// OverallPctCriterion passes when overall attendance reaches MinPct.
type OverallPctCriterion struct {
	MinPct float64 `json:"minPct" yaml:"minPct"`
}

// SemesterPctCriterion is evaluated exactly like OverallPctCriterion until
// semester boundaries are defined.
type SemesterPctCriterion struct {
	MinPct float64 `json:"minPct" yaml:"minPct"`
}

// EventCriterion passes when the event log holds EventName for the student.
type EventCriterion struct {
	EventName string `json:"eventName" yaml:"eventName"`
}

// CrossSubjectSequenceCriterion passes on Count consecutive attended sessions
// across Count distinct subjects.
type CrossSubjectSequenceCriterion struct {
	Count int `json:"count" yaml:"count"`
}

// UnknownCriterion keeps a tag this engine version does not understand, so
// newer catalogues can be loaded and skipped instead of rejected. Invalid is
// set when the tag is known but its stored parameters do not parse.
type UnknownCriterion struct {
	Tag     string
	Raw     json.RawMessage
	Invalid error
}

func (StreakCriterion) Kind() Kind               { return KindStreak }
func (PerfectWeekCriterion) Kind() Kind          { return KindPerfectWeek }
func (SubjectPctCriterion) Kind() Kind           { return KindSubjectPct }
func (OverallPctCriterion) Kind() Kind           { return KindOverallPct }
func (SemesterPctCriterion) Kind() Kind          { return KindSemesterPct }
func (EventCriterion) Kind() Kind                { return KindEvent }
func (CrossSubjectSequenceCriterion) Kind() Kind { return KindCrossSubjectSequence }
func (c UnknownCriterion) Kind() Kind            { return Kind(c.Tag) }

func (c StreakCriterion) Accept(ctx context.Context, v Visitor) (Outcome, error) {
	return v.VisitStreak(ctx, c)
}

func (c PerfectWeekCriterion) Accept(ctx context.Context, v Visitor) (Outcome, error) {
	return v.VisitPerfectWeek(ctx, c)
}

func (c SubjectPctCriterion) Accept(ctx context.Context, v Visitor) (Outcome, error) {
	return v.VisitSubjectPct(ctx, c)
}

func (c OverallPctCriterion) Accept(ctx context.Context, v Visitor) (Outcome, error) {
	return v.VisitOverallPct(ctx, c)
}

func (c SemesterPctCriterion) Accept(ctx context.Context, v Visitor) (Outcome, error) {
	return v.VisitSemesterPct(ctx, c)
}

func (c EventCriterion) Accept(ctx context.Context, v Visitor) (Outcome, error) {
	return v.VisitEvent(ctx, c)
}

func (c CrossSubjectSequenceCriterion) Accept(ctx context.Context, v Visitor) (Outcome, error) {
	return v.VisitCrossSubjectSequence(ctx, c)
}

func (c UnknownCriterion) Accept(ctx context.Context, v Visitor) (Outcome, error) {
	return v.VisitUnknown(ctx, c)
}

func (StreakCriterion) criterion()               {}
func (PerfectWeekCriterion) criterion()          {}
func (SubjectPctCriterion) criterion()           {}
func (OverallPctCriterion) criterion()           {}
func (SemesterPctCriterion) criterion()          {}
func (EventCriterion) criterion()                {}
func (CrossSubjectSequenceCriterion) criterion() {}
func (UnknownCriterion) criterion()              {}

// ══════════════════════════════════════════════════════════════════════════════
// DECODING
// ══════════════════════════════════════════════════════════════════════════════

// ParseCriterion decodes the parameters of a criterion tag and applies the
// defaults for omitted thresholds. An unrecognised tag yields an
// UnknownCriterion and no error; malformed parameters or out of range
// thresholds are rejected.
func ParseCriterion(tag string, params json.RawMessage) (Criterion, error) {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}

	var c Criterion
	var err error
	switch Kind(tag) {
	case KindStreak:
		var s StreakCriterion
		err = json.Unmarshal(params, &s)
		c = s
	case KindPerfectWeek:
		c = PerfectWeekCriterion{}
	case KindSubjectPct:
		var s SubjectPctCriterion
		err = json.Unmarshal(params, &s)
		c = s
	case KindOverallPct:
		var o OverallPctCriterion
		err = json.Unmarshal(params, &o)
		c = o
	case KindSemesterPct:
		var s SemesterPctCriterion
		err = json.Unmarshal(params, &s)
		c = s
	case KindEvent:
		var e EventCriterion
		err = json.Unmarshal(params, &e)
		c = e
	case KindCrossSubjectSequence:
		var x CrossSubjectSequenceCriterion
		err = json.Unmarshal(params, &x)
		c = x
	default:
		raw := make(json.RawMessage, len(params))
		copy(raw, params)
		return UnknownCriterion{Tag: tag, Raw: raw}, nil
	}
	if err != nil {
		return nil, shared.WrapError("badge", "ParseCriterion", shared.ErrInvalidInput,
			fmt.Sprintf("malformed %s parameters", tag), err)
	}

	c = WithDefaults(c)
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseStoredCriterion decodes a criterion read back from the catalogue
// store. Parameters that fail ParseCriterion yield an UnknownCriterion
// carrying the error, so the badge is skipped at evaluation time while the
// rest of the catalogue stays usable.
func ParseStoredCriterion(tag string, params json.RawMessage) Criterion {
	c, err := ParseCriterion(tag, params)
	if err == nil {
		return c
	}
	raw := make(json.RawMessage, len(params))
	copy(raw, params)
	return UnknownCriterion{Tag: tag, Raw: raw, Invalid: err}
}

// WithDefaults fills zero thresholds with the defaults of the kind.
func WithDefaults(c Criterion) Criterion {
	switch v := c.(type) {
	case StreakCriterion:
		if v.MinDays == 0 {
			v.MinDays = DefaultStreakDays
		}
		return v
	case SubjectPctCriterion:
		if v.MinPct == 0 {
			v.MinPct = DefaultSubjectPct
		}
		return v
	case OverallPctCriterion:
		if v.MinPct == 0 {
			v.MinPct = DefaultOverallPct
		}
		return v
	case SemesterPctCriterion:
		if v.MinPct == 0 {
			v.MinPct = DefaultSemesterPct
		}
		return v
	case CrossSubjectSequenceCriterion:
		if v.Count == 0 {
			v.Count = DefaultCrossSubjectCount
		}
		return v
	}
	return c
}

// Validate checks required parameters and threshold ranges.
func Validate(c Criterion) error {
	switch v := c.(type) {
	case StreakCriterion:
		if v.MinDays < 1 {
			return shared.ErrInvalidThreshold
		}
	case SubjectPctCriterion:
		if v.SubjectID == "" {
			return shared.NewDomainError("badge", "Validate", shared.ErrInvalidInput, "subjectPct requires subjectId")
		}
		return validatePct(v.MinPct)
	case OverallPctCriterion:
		return validatePct(v.MinPct)
	case SemesterPctCriterion:
		return validatePct(v.MinPct)
	case EventCriterion:
		if v.EventName == "" {
			return shared.NewDomainError("badge", "Validate", shared.ErrInvalidInput, "event requires eventName")
		}
	case CrossSubjectSequenceCriterion:
		if v.Count < 1 {
			return shared.ErrInvalidThreshold
		}
	}
	return nil
}

func validatePct(p float64) error {
	if p < 0 || p > 100 {
		return shared.ErrInvalidThreshold
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ENCODING
// ══════════════════════════════════════════════════════════════════════════════

// CriterionParams returns the JSON parameters stored next to the tag.
func CriterionParams(c Criterion) (json.RawMessage, error) {
	if u, ok := c.(UnknownCriterion); ok {
		if len(u.Raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		return u.Raw, nil
	}
	return json.Marshal(c)
}

// criterionDoc is the self-describing form of a criterion:
// {"type": "streak", "minDays": 7}.
type criterionDoc map[string]any

func encodeCriterion(c Criterion) (criterionDoc, error) {
	params, err := CriterionParams(c)
	if err != nil {
		return nil, err
	}
	doc := criterionDoc{}
	if err := json.Unmarshal(params, &doc); err != nil {
		return nil, err
	}
	doc["type"] = string(c.Kind())
	return doc, nil
}

func decodeCriterion(doc criterionDoc) (Criterion, error) {
	tag, _ := doc["type"].(string)
	if tag == "" {
		return nil, shared.NewDomainError("badge", "ParseCriterion", shared.ErrInvalidInput, "criterion type is required")
	}
	params := make(map[string]any, len(doc))
	for k, v := range doc {
		if k != "type" {
			params[k] = v
		}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, shared.WrapError("badge", "ParseCriterion", shared.ErrInvalidInput, "criterion parameters", err)
	}
	return ParseCriterion(tag, raw)
}
