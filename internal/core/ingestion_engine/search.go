package ingestion_engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/models"
)

// SearchSimilarDocuments embeds query and returns the chunks visible to scope
// whose similarity is at least threshold. When the query cannot be embedded, or
// nothing clears the threshold, it falls back to lexical search.
// A negative threshold or non-positive limit selects the configured default.
func (p *Processor) SearchSimilarDocuments(ctx context.Context, query string, threshold float64, limit int, scope models.Scope) ([]models.ChunkMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.ChunkMatch{}, nil
	}
	if threshold < 0 {
		threshold = p.cfg.SearchThreshold
	}
	if limit <= 0 {
		limit = p.cfg.SearchLimit
	}

	emb, err := p.embed(ctx, query)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, aborted(cerr)
		}
		p.logger.Warn("query embedding failed, using text search", zap.Error(err))
		return p.searchText(ctx, "text_fallback", query, p.cfg.MinTextRank, limit, scope)
	}

	matches, err := p.db.SearchSimilarChunks(ctx, emb.Vector, threshold, limit, scope)
	if err != nil {
		return nil, core.WrapStorage("search chunks", err)
	}
	if len(matches) == 0 {
		p.logger.Debug("no vector match above threshold, using text search", zap.Float64("threshold", threshold))
		return p.searchText(ctx, "text_fallback", query, p.cfg.MinTextRank, limit, scope)
	}

	p.metrics.Searches.WithLabelValues("vector").Inc()
	p.touch(ctx, matches)
	return matches, nil
}

// SearchText ranks chunks lexically; matches below minRank are dropped.
func (p *Processor) SearchText(ctx context.Context, query string, minRank float64, limit int, scope models.Scope) ([]models.ChunkMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.ChunkMatch{}, nil
	}
	if limit <= 0 {
		limit = p.cfg.SearchLimit
	}
	return p.searchText(ctx, "text", query, minRank, limit, scope)
}

func (p *Processor) searchText(ctx context.Context, mode, query string, minRank float64, limit int, scope models.Scope) ([]models.ChunkMatch, error) {
	matches, err := p.db.SearchTextChunks(ctx, query, minRank, limit, scope)
	if err != nil {
		return nil, core.WrapStorage("text search", err)
	}
	if matches == nil {
		matches = []models.ChunkMatch{}
	}
	p.metrics.Searches.WithLabelValues(mode).Inc()
	p.touch(ctx, matches)
	return matches, nil
}

// touch bumps access counters of returned chunks. Failures are only logged.
func (p *Processor) touch(ctx context.Context, matches []models.ChunkMatch) {
	if len(matches) == 0 {
		return
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
	}
	if err := p.db.TouchChunks(ctx, ids); err != nil {
		p.logger.Warn("updating chunk access counters", zap.Int("chunks", len(ids)), zap.Error(err))
	}
}
