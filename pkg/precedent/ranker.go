package precedent

import (
	"math"
	"sort"
	"time"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// DefaultRecencyDecayDays is the half-life of the recency component.
const DefaultRecencyDecayDays = 365

// RankWeights are the hybrid ranking weights. They are normalized before
// use, so any positive values express relative importance.
type RankWeights struct {
	Similarity float64
	Recency    float64
	Confidence float64
	Outcome    float64
}

// DefaultRankWeights returns the standard 0.6/0.2/0.15/0.05 split.
func DefaultRankWeights() RankWeights {
	return RankWeights{Similarity: 0.6, Recency: 0.2, Confidence: 0.15, Outcome: 0.05}
}

func (w RankWeights) normalized() RankWeights {
	sum := w.Similarity + w.Recency + w.Confidence + w.Outcome
	if sum <= 0 {
		return DefaultRankWeights()
	}
	return RankWeights{
		Similarity: w.Similarity / sum,
		Recency:    w.Recency / sum,
		Confidence: w.Confidence / sum,
		Outcome:    w.Outcome / sum,
	}
}

// Ranker combines raw backend similarity with recency, confidence and
// outcome alignment into one final ordering.
type Ranker struct {
	weights   RankWeights
	decayDays float64
	now       func() time.Time
}

// NewRanker builds a ranker. Non-positive decayDays falls back to the
// default half-life.
func NewRanker(weights RankWeights, decayDays float64) *Ranker {
	if decayDays <= 0 {
		decayDays = DefaultRecencyDecayDays
	}
	return &Ranker{weights: weights.normalized(), decayDays: decayDays, now: time.Now}
}

// Rank scores, dedupes, orders and caps raw matches. Matches below
// opts.MinSimilarity are dropped even when the backend returned them.
func (r *Ranker) Rank(matches []Match, opts SearchOptions) []Ranked {
	best := make(map[string]Ranked, len(matches))
	now := r.now().UTC()

	for _, m := range matches {
		if m.Record == nil || m.Similarity < opts.MinSimilarity {
			continue
		}
		scores := r.score(m, now, opts.ExpectedVerdict)
		prev, seen := best[m.Record.PrecedentID]
		if !seen || scores.Final > prev.Scores.Final {
			best[m.Record.PrecedentID] = Ranked{Record: m.Record, Similarity: m.Similarity, Scores: scores}
		}
	}

	out := make([]Ranked, 0, len(best))
	for _, rk := range best {
		out = append(out, rk)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scores.Final != out[j].Scores.Final {
			return out[i].Scores.Final > out[j].Scores.Final
		}
		return out[i].Record.PrecedentID < out[j].Record.PrecedentID
	})

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func (r *Ranker) score(m Match, now time.Time, expected contracts.Verdict) Scores {
	s := Scores{
		Similarity:       m.Similarity,
		Recency:          r.recency(m.Record.Timestamp, now),
		Confidence:       contracts.Clamp01(m.Record.FinalDecision.AvgConfidence),
		OutcomeAlignment: outcomeAlignment(m.Record.FinalDecision.OverallVerdict, expected),
	}
	s.Final = r.weights.Similarity*s.Similarity +
		r.weights.Recency*s.Recency +
		r.weights.Confidence*s.Confidence +
		r.weights.Outcome*s.OutcomeAlignment
	return s
}

// recency decays exponentially with age so that a precedent decayDays old
// scores exactly 0.5.
func (r *Ranker) recency(ts, now time.Time) float64 {
	if ts.IsZero() {
		return 0
	}
	ageDays := now.Sub(ts).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays * math.Ln2 / r.decayDays)
}

// outcomeAlignment is 1 when the precedent's verdict matches the expected
// one, 0 when it contradicts it, and a neutral 0.5 with no expectation.
func outcomeAlignment(got, expected contracts.Verdict) float64 {
	if expected == "" {
		return 0.5
	}
	if got == expected {
		return 1
	}
	return 0
}
