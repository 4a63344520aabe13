package collector

import (
	"errors"

	"github.com/ericfisherdev/forge-collector/internal/forge"
)

// classification is the outcome of classifyJobError.
type classification int

const (
	classificationTransient classification = iota
	classificationPermanent
)

// classifyJobError splits job failures into permanent and transient:
// a seed mismatch, a 404 at the repo's own path, and 403/410/451 are
// permanent (job moves to status `error`); everything else is
// transient and returns the job to `pending` for a later retry.
func classifyJobError(err error) classification {
	if err == nil {
		return classificationTransient
	}

	var seedMismatch *forge.ErrSeedMismatch
	if errors.As(err, &seedMismatch) {
		return classificationPermanent
	}

	var statusErr *forge.StatusError
	if errors.As(err, &statusErr) {
		return classificationPermanent
	}

	return classificationTransient
}
