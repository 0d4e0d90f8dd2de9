package domain

import (
	"context"
)

// ModelScorer is the pluggable model capability. The pipeline is
// polymorphic over any implementation: a remote model service, or a stub
// returning a fixed value in tests. Implementations must honor the
// context deadline; the pipeline never waits past it.
type ModelScorer interface {
	// Score returns a fraud risk estimate in [0,100] for a transaction.
	Score(ctx context.Context, tx *Transaction) (int, error)
}
