package sqlutil

import (
	"strings"

	"github.com/google/uuid"
)

const outputSuffix = "Output"

// StagingNames holds the per-call names of the staging and output capture tables.
type StagingNames struct {
	Table  string
	Output string
}

// NewStagingNames derives unique staging names for target. Concurrent callers
// against the same table never collide because the suffix is random.
func NewStagingNames(target string) StagingNames {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return StagingNamesWithSuffix(target, suffix)
}

// StagingNamesWithSuffix builds staging names from a fixed suffix.
func StagingNamesWithSuffix(target, suffix string) StagingNames {
	base := target + suffix
	return StagingNames{Table: base, Output: base + outputSuffix}
}
