package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	// ErrEvidenceNotFound means no evidence was recorded for the latest
	// execution. Verification cannot proceed without a re-execution, so
	// retrying verification alone is pointless.
	ErrEvidenceNotFound = errors.New("evidence not found")

	// ErrIntegrityCheckFailed means at least one artifact is corrupted.
	// Corrupted evidence is escalated and never scored.
	ErrIntegrityCheckFailed = errors.New("evidence integrity check failed")

	// ErrCriticalRedFlag matches *CriticalRedFlagError via errors.Is.
	ErrCriticalRedFlag = errors.New("critical red flag")

	// ErrTierNotHigher is returned by New when the verifier tier does not
	// outrank the execution tier.
	ErrTierNotHigher = errors.New("verifier tier must be higher than execution tier")
)

// IntegrityError lists the corrupted artifacts found by the integrity check.
type IntegrityError struct {
	TestID   string
	Problems []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s for test %s: %s", ErrIntegrityCheckFailed, e.TestID, strings.Join(e.Problems, "; "))
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrityCheckFailed
}

// CriticalRedFlagError is returned when an unresolved critical flag exists
// and the verifier is configured to fail on it without scoring.
type CriticalRedFlagError struct {
	TestID string
	Flags  []models.RedFlag
}

func (e *CriticalRedFlagError) Error() string {
	types := make([]string, len(e.Flags))
	for i, f := range e.Flags {
		types[i] = f.FlagType
	}
	return fmt.Sprintf("test %s has %d unresolved critical red flag(s): %s",
		e.TestID, len(e.Flags), strings.Join(types, ", "))
}

// Is reports whether target is ErrCriticalRedFlag.
func (e *CriticalRedFlagError) Is(target error) bool {
	return target == ErrCriticalRedFlag
}
