package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/eleanor-project/eje/pkg/contracts"
	"github.com/eleanor-project/eje/pkg/critic"
	"github.com/eleanor-project/eje/pkg/precedent"
)

// Demo critics backing the local CLI. They are deliberately simple lexical
// evaluators: enough to exercise the whole pipeline, including rights
// violations, uncertainty escalation and precedent conflicts, without
// shipping an ethical theory in pkg/.

// demoRegistry registers the reference critic set. store may be nil, in
// which case the precedent critic abstains.
func demoRegistry(store precedent.Store) (*critic.Registry, error) {
	reg := critic.NewRegistry()
	if err := reg.Register("keyword-safety", func() (critic.Critic, error) {
		return newKeywordSafetyCritic(), nil
	}); err != nil {
		return nil, err
	}
	if err := reg.Register("uncertainty", func() (critic.Critic, error) {
		return newUncertaintyCritic(), nil
	}); err != nil {
		return nil, err
	}
	if err := reg.Register("precedent", func() (critic.Critic, error) {
		return newPrecedentCritic(store), nil
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

var (
	harmTerms = []string{
		"attack", "bomb", "destroy", "exploit", "kill", "poison", "weapon",
	}
	// dignityTerms flag a hard right, terminating the request without a
	// verdict.
	dignityTerms = []string{
		"dehumanize", "degrade", "humiliate", "torture",
	}
)

func newKeywordSafetyCritic() critic.Critic {
	return critic.Func{
		CriticName: "keyword-safety",
		Fn: func(_ context.Context, snapshot *contracts.InputSnapshot, _ critic.Budget) (*contracts.CriticOutput, error) {
			words := tokenize(snapshot.Text)

			if hit := firstMatch(words, dignityTerms); hit != "" {
				out := contracts.NewCriticOutput("keyword-safety", contracts.VerdictDeny, 0.95,
					fmt.Sprintf("term %q indicates a dignity violation", hit))
				out.Context = map[string]any{"right": "dignity", "violation": true, "term": hit}
				out.EvidenceSources = []contracts.EvidenceSource{
					{Kind: contracts.SourceConstitutionalPrinciple, Reference: "dignity"},
				}
				return out, nil
			}
			if hit := firstMatch(words, harmTerms); hit != "" {
				out := contracts.NewCriticOutput("keyword-safety", contracts.VerdictDeny, 0.9,
					fmt.Sprintf("term %q indicates potential harm", hit))
				out.EvidenceSources = []contracts.EvidenceSource{
					{Kind: contracts.SourceRule, Reference: "harm_keywords"},
				}
				return out, nil
			}
			return contracts.NewCriticOutput("keyword-safety", contracts.VerdictAllow, 0.75,
				"no harm indicators detected"), nil
		},
	}
}

var hedgeTerms = []string{
	"ambiguous", "maybe", "might", "perhaps", "possibly", "unclear", "uncertain", "unsure",
}

// newUncertaintyCritic scores how confidently the request can be judged at
// all. Its confidence_score context field feeds the governance uncertainty
// safeguard; the vote itself carries a low weight so an assessor never
// outvotes the safety critic on the merits.
func newUncertaintyCritic() critic.Critic {
	return critic.Func{
		CriticName: "uncertainty",
		Fn: func(_ context.Context, snapshot *contracts.InputSnapshot, _ critic.Budget) (*contracts.CriticOutput, error) {
			words := tokenize(snapshot.Text)
			var hits []string
			for _, h := range hedgeTerms {
				if words[h] {
					hits = append(hits, h)
				}
			}
			sort.Strings(hits)

			score := 1.0 - float64(len(hits))/3.0
			if score < 0 {
				score = 0
			}
			verdict := contracts.VerdictAllow
			if score < 0.5 {
				verdict = contracts.VerdictReview
			}
			justification := "no hedging detected"
			if len(hits) > 0 {
				justification = "hedging terms present: " + strings.Join(hits, ", ")
			}
			out := contracts.NewCriticOutput("uncertainty", verdict, 0.5+score/2, justification)
			out.Weight = 0.25
			out.Context = map[string]any{"confidence_score": score}
			return out, nil
		},
	}
}

// newPrecedentCritic votes with the majority of similar past decisions. A
// split precedent set raises the conflict flag so governance escalates.
func newPrecedentCritic(store precedent.Store) critic.Critic {
	return critic.Func{
		CriticName: "precedent",
		Fn: func(ctx context.Context, snapshot *contracts.InputSnapshot, _ critic.Budget) (*contracts.CriticOutput, error) {
			if store == nil {
				return contracts.NewCriticOutput("precedent", contracts.VerdictAbstain, 0,
					"no precedent store configured"), nil
			}
			ranked, err := store.SearchSimilar(ctx, snapshot, precedent.SearchOptions{Limit: 5})
			if err != nil {
				return nil, err
			}
			if len(ranked) == 0 {
				return contracts.NewCriticOutput("precedent", contracts.VerdictAbstain, 0,
					"no similar precedents"), nil
			}

			counts := map[contracts.Verdict]int{}
			sources := make([]contracts.EvidenceSource, 0, len(ranked))
			for _, r := range ranked {
				counts[r.Record.FinalDecision.OverallVerdict]++
				similarity := r.Similarity
				sources = append(sources, contracts.EvidenceSource{
					Kind:           contracts.SourcePrecedent,
					Reference:      r.Record.PrecedentID,
					RelevanceScore: &similarity,
				})
			}
			winner, winnerCount := contracts.VerdictReview, 0
			for v, n := range counts {
				if n > winnerCount || (n == winnerCount && v.MoreConservativeThan(winner)) {
					winner, winnerCount = v, n
				}
			}
			share := float64(winnerCount) / float64(len(ranked))

			out := contracts.NewCriticOutput("precedent", winner, share,
				fmt.Sprintf("%d of %d similar precedents concluded %s", winnerCount, len(ranked), winner))
			out.EvidenceSources = sources
			if share < 0.67 {
				out.Context = map[string]any{"conflict": true}
			}
			return out, nil
		},
	}
}

func tokenize(text string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		words[w] = true
	}
	return words
}

func firstMatch(words map[string]bool, terms []string) string {
	for _, t := range terms {
		if words[t] {
			return t
		}
	}
	return ""
}
