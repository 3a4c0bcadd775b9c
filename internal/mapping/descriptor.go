// Package mapping resolves an entity type and an operation request into the
// immutable MappingDescriptor used by staging, merge and correlation.
package mapping

import (
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
)

// Descriptor is built fresh for every call (and every entity type of a
// graph) and never mutated afterwards.
type Descriptor struct {
	Type *model.Type
	Kind options.Kind

	Schema       string
	Table        string
	StagingTable string
	OutputTable  string

	// Columns are all mapped columns taking part in the call, in model order.
	Columns []*model.Field
	// Key is the match key: the primary key or the MatchBy override.
	Key      []*model.Field
	Identity *model.Field
	Token    *model.Field
	// Defaults are default-value columns omitted from INSERT for this batch.
	Defaults []*model.Field
	Owned    []*model.Field
	JSON     []*model.Field

	Insert  []*model.Field
	Update  []*model.Field
	Compare []*model.Field
	Outputs []*model.Field
	Staged  []*model.Field

	KeyIsIdentity bool
	KeepIdentity  bool
	// NativeTemp requests an engine-native temporary staging scope.
	NativeTemp bool
	Stats      bool
	// TokenIncrement is set for numeric tokens, which the merge bumps by one.
	// Binary row versions are maintained by the database.
	TokenIncrement bool
	HoldLock       bool
	// SoftDelete maps column names to the values a sync assigns to rows
	// missing from the input.
	SoftDelete map[string]any
}

// Names returns the column names of fields.
func Names(fields []*model.Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Column
	}
	return names
}

// KeyNames returns the match key column names.
func (d *Descriptor) KeyNames() []string {
	return Names(d.Key)
}

// OrderColumns returns the columns used to order staged rows and output rows:
// the identity when the key is an identity, the match key otherwise.
func (d *Descriptor) OrderColumns() []string {
	if d.KeyIsIdentity || (len(d.Key) == 0 && d.Identity != nil) {
		return []string{d.Identity.Column}
	}
	return d.KeyNames()
}

// Has reports whether fields contains f.
func Has(fields []*model.Field, f *model.Field) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}

// TokenManagedByDatabase reports whether the token is a binary row version.
func (d *Descriptor) TokenManagedByDatabase() bool {
	return d.Token != nil && !d.TokenIncrement
}

// NeedsOutputs reports whether the merge must return rows.
func (d *Descriptor) NeedsOutputs() bool {
	return len(d.Outputs) > 0
}
