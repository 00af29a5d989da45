package sla

import (
	"context"
	"time"
)

// Resolver supplies SLA definitions to the applier. Matching an entity to the
// right definition is an external concern; the applier consumes the result.
type Resolver interface {
	// ResolveSLA returns the definition applicable to e, or nil when none is.
	ResolveSLA(ctx context.Context, e *Entity) (*Definition, error)
	// LoadSLA returns the definition e already references.
	LoadSLA(ctx context.Context, name string) (*Definition, error)
}

// Applier is the save-lifecycle entry point for the SLA engine. The clock is
// injectable so tests can pin the current instant.
type Applier struct {
	Resolver Resolver
	Now      func() time.Time
}

func NewApplier(r Resolver) *Applier {
	return &Applier{Resolver: r, Now: time.Now}
}

func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// BeforeValidate resolves and pins the entity's SLA reference. An already-set
// reference is never replaced.
func (a *Applier) BeforeValidate(ctx context.Context, e *Entity) error {
	if e.SLA != "" {
		return nil
	}
	def, err := a.Resolver.ResolveSLA(ctx, e)
	if err != nil {
		return err
	}
	if def == nil {
		e.FirstRespondedOn = nil
		e.LastResponseTime = 0
		return nil
	}
	e.SLA = def.Name
	return nil
}

// BeforeSave runs the tracker against the referenced definition. Entities
// without an SLA, or whose definition has gone missing, save untouched.
func (a *Applier) BeforeSave(ctx context.Context, e *Entity) error {
	if e.SLA == "" {
		return nil
	}
	def, err := a.Resolver.LoadSLA(ctx, e.SLA)
	if err != nil {
		return err
	}
	if def == nil || !def.Enabled {
		return nil
	}
	def.Apply(e, a.now())
	return nil
}
