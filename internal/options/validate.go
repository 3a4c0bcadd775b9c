package options

import (
	"bulkmerge/internal/bulkerr"
)

// Validate checks the option set against kind. It returns the first
// *bulkerr.ConfigurationError found, before any SQL is issued.
func (o *Options) Validate(kind Kind) error {
	sets := []struct {
		field string
		set   ColumnSet
	}{
		{"Columns", o.Columns},
		{"Compare", o.Compare},
		{"Update", o.Update},
	}
	for _, s := range sets {
		if len(s.set.Include) > 0 && len(s.set.Exclude) > 0 {
			return bulkerr.Configf(s.field, "include and exclude lists are mutually exclusive").
				WithHint("set either " + s.field + ".Include or " + s.field + ".Exclude")
		}
	}

	if o.BatchSize < 0 {
		return bulkerr.Configf("BatchSize", "must be zero or positive, got %d", o.BatchSize)
	}
	if o.Timeout < 0 {
		return bulkerr.Configf("Timeout", "must be zero or positive, got %s", o.Timeout)
	}
	if o.ConflictPolicy != ConflictError && kind != Insert {
		return bulkerr.Configf("ConflictPolicy", "%s only applies to insert, not %s", o.ConflictPolicy, kind)
	}
	if (o.SyncFilter != nil || len(o.SoftDelete) > 0) && kind != Sync {
		return bulkerr.Configf("SyncFilter", "sync filter and soft delete only apply to sync, not %s", kind)
	}
	if o.IncludeGraph {
		switch kind {
		case Insert, Update, Upsert:
		default:
			return bulkerr.Configf("IncludeGraph", "graph mode supports insert, update and upsert, not %s", kind).
				WithHint("delete semantics over an object graph are ambiguous; run the operation per type")
		}
	}
	if o.Source != nil {
		if o.RequestGeneratedOutputs || o.IncludeGraph {
			return bulkerr.Configf("Source", "an external row source cannot be combined with generated outputs or graph mode").
				WithHint("outputs are correlated to objects; a row source has none")
		}
		switch kind {
		case Insert, Update, Upsert, Sync:
		default:
			return bulkerr.Configf("Source", "an external row source cannot drive %s", kind)
		}
	}
	if o.SkipStaleRows && o.DisableConcurrencyToken {
		return bulkerr.Configf("SkipStaleRows", "requires a concurrency token but DisableConcurrencyToken is set")
	}
	if o.SkipStaleRows {
		switch kind {
		case Update, Upsert, Sync:
		default:
			return bulkerr.Configf("SkipStaleRows", "only applies to update, upsert and sync, not %s", kind)
		}
	}
	return nil
}
