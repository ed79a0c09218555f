package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/crmrag/internal/core/chunker"
)

// IngestConfig tunes the document processor.
//
// ChunkSize:        maximum characters per chunk.
// BatchSize:        chunks embedded concurrently before the inter-batch pause.
// BatchDelay:       pause between embedding batches, to stay under provider quotas.
// MaxContentLength: runes of extracted text kept on the document row (0 keeps all).
// SearchThreshold:  minimum cosine similarity for a vector match.
// SearchLimit:      default number of matches returned.
// MinTextRank:      minimum lexical rank for the text fallback.
// QueueSize:        capacity of the background job queue.
type IngestConfig struct {
	ChunkSize        int
	BatchSize        int
	BatchDelay       time.Duration
	MaxContentLength int
	SearchThreshold  float64
	SearchLimit      int
	MinTextRank      float64
	QueueSize        int
}

// DefaultIngestConfig returns the settings used when nothing is configured.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		ChunkSize:        chunker.DefaultChunkSize,
		BatchSize:        5,
		BatchDelay:       200 * time.Millisecond,
		MaxContentLength: 100_000,
		SearchThreshold:  0.7,
		SearchLimit:      10,
		MinTextRank:      0.01,
		QueueSize:        64,
	}
}

func (c IngestConfig) withDefaults() IngestConfig {
	d := DefaultIngestConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.MaxContentLength < 0 {
		c.MaxContentLength = 0
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = d.SearchLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}
