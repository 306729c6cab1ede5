package conversation

import (
	"math"
	"sort"
	"time"

	"github.com/evoke-ai/mnemo/internal/embedding"
	"github.com/evoke-ai/mnemo/internal/index"
	"github.com/evoke-ai/mnemo/internal/model"
)

const thirtyDaysSeconds = 30 * 24 * 60 * 60

// RankParams tune the relevance score.
type RankParams struct {
	// TemporalDecay is the exponential age decay rate, in units of
	// 30-day periods.
	TemporalDecay float64
	// LengthBoostFactor scales the additive length bonus.
	LengthBoostFactor float64
}

// DefaultRankParams mirrors the tuning the chat loop uses.
func DefaultRankParams() RankParams {
	return RankParams{TemporalDecay: 0.99, LengthBoostFactor: 0.0}
}

// Rank scores candidates against the final query embedding and returns
// them best first.
//
//	score = lexical * log2(hits+1) * rerank * weight * decay + lengthScore
//
// where rerank is the inverse distance to the query embedding. A
// zero-distance candidate scores a rerank of 0, not infinity, so exact
// embedding duplicates drop out of the product term rather than
// dominating it.
func Rank(candidates []index.Candidate, queryEmbedding []float32, p RankParams, now time.Time) []model.RankedResult {
	results := make([]model.RankedResult, 0, len(candidates))
	for _, c := range candidates {
		hitsScore := math.Log2(float64(c.Hits) + 1)

		dist := embedding.L2Distance(queryEmbedding, c.Embedding)
		dist = dist * dist
		rerank := 0.0
		if dist > 0 && dist < math.MaxFloat64 {
			rerank = 1 / dist
		}

		lengthScore := math.Log2(float64(len(c.Content))+1)*p.LengthBoostFactor + 1

		age := float64(now.Unix() - c.Timestamp)
		decay := math.Exp(-p.TemporalDecay * age / thirtyDaysSeconds)

		score := c.Lexical*hitsScore*rerank*c.Weight*decay + lengthScore

		r := model.NewRankedResult(c.Message)
		r.Hits = c.Hits
		r.Distance = dist
		r.Score = score
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// TruncateByLength keeps the leading results whose cumulative content
// length stays within maxLength. maxLength <= 0 disables truncation.
func TruncateByLength(results []model.RankedResult, maxLength int) []model.RankedResult {
	if maxLength <= 0 {
		return results
	}
	total := 0
	for i, r := range results {
		total += len(r.Content)
		if total > maxLength {
			return results[:i]
		}
	}
	return results
}
