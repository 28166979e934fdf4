package services

import "context"

// SimilarityClient is the embedding-similarity capability the miner
// consumes. Implementations are expected to honor context deadlines;
// the miner always calls with a bounded timeout and treats failures as
// non-fatal.
type SimilarityClient interface {
	// Similarity returns a semantic similarity score in [0, 1] between
	// two alert descriptions.
	Similarity(ctx context.Context, a, b string) (float64, error)
}
