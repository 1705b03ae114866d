package badge

import "context"

// Catalog reads badge definitions. Order is the catalogue insertion order.
type Catalog interface {
	ListDefinitions(ctx context.Context) ([]Definition, error)

	// GetDefinition returns ErrBadgeNotFound for an unknown code.
	GetDefinition(ctx context.Context, code string) (*Definition, error)

	// UpsertDefinitions inserts or replaces definitions by code, keeping the
	// position of existing ones. Used by the seed tool only.
	UpsertDefinitions(ctx context.Context, defs []Definition) error
}

// Ledger is the award store. It is the only state the engine mutates.
type Ledger interface {
	// Award inserts the award unless one already exists for the
	// (student, badge code) pair. It reports whether a row was created; an
	// existing award is not an error.
	Award(ctx context.Context, award Award) (inserted bool, err error)

	// StatesFor joins the full catalogue against the student's awards.
	StatesFor(ctx context.Context, studentID string) ([]State, error)
}

// EventLog answers whether a named event was recorded for a student.
type EventLog interface {
	HasEvent(ctx context.Context, studentID, eventName string) (bool, error)
}
