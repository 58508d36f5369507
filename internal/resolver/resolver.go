package resolver

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"webpilot/internal/config"
	"webpilot/internal/entity"
	"webpilot/pkg/logg"
)

const resolverName = "SelectorResolver"

// Resolver ranks snapshot elements against a target spec. Scoring is pure
// and deterministic: the same (snapshot, target) pair always yields the same
// ordered candidates, with no browser access and no map iteration order in
// the result.
type Resolver struct {
	config *config.ResolverConfig
	logger *zap.Logger
}

type Params struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

func NewResolver(params Params) *Resolver {
	return &Resolver{
		config: params.Config.ResolverConfig,
		logger: params.Logger.With(zap.String(logg.Layer, resolverName)),
	}
}

// Resolve returns match candidates best first, empty when nothing matches.
// An empty result is not an error; the caller decides whether that is fatal.
func (r *Resolver) Resolve(snapshot *entity.PageSnapshot, target entity.TargetSpec) []entity.MatchCandidate {
	if snapshot == nil {
		return nil
	}

	candidates := make([]entity.MatchCandidate, 0, 8)

	for _, elem := range snapshot.Elements {
		score, matchedBy, ok := r.score(elem, target)
		if !ok {
			continue
		}

		candidates = append(candidates, entity.MatchCandidate{
			Element:   elem,
			Score:     score,
			MatchedBy: matchedBy,
		})
	}

	// Ties break on visibility, then geometric document order, then
	// first-seen order in the snapshot. Element IDs are assigned in
	// first-seen order, so they are the final deterministic key.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		if a.Score != b.Score {
			return a.Score > b.Score
		}

		if a.Element.Visible != b.Element.Visible {
			return a.Element.Visible
		}

		if a.Element.Box.Y != b.Element.Box.Y {
			return a.Element.Box.Y < b.Element.Box.Y
		}

		if a.Element.Box.X != b.Element.Box.X {
			return a.Element.Box.X < b.Element.Box.X
		}

		return a.Element.ID < b.Element.ID
	})

	if target.Nth > 0 && target.Nth <= len(candidates) {
		candidates = candidates[target.Nth-1:]
	}

	for i := range candidates {
		candidates[i].Rank = i
	}

	r.logger.Debug("Resolved target",
		zap.Int("candidates", len(candidates)),
		zap.String(logg.Target, describeTarget(target)))

	return candidates
}

// score applies the three match tiers: exact text/label highest, fuzzy text
// penalized by edit distance next, role/placeholder/attribute-only lowest.
func (r *Resolver) score(elem entity.ElementDescriptor, target entity.TargetSpec) (float64, entity.MatchKind, bool) {
	// Exact tier compares case-sensitively after whitespace collapse; the
	// fuzzy tier below folds case before measuring distance.
	text := collapse(elem.Text)
	label := collapse(elem.Label)

	if target.ExactText != "" {
		want := collapse(target.ExactText)

		if text == want {
			return r.config.ExactWeight + roleBonus(elem, target), entity.MatchedByExactText, true
		}

		if label == want {
			return r.config.ExactWeight + roleBonus(elem, target), entity.MatchedByExactLabel, true
		}
	}

	if target.Label != "" && label == collapse(target.Label) {
		return r.config.ExactWeight, entity.MatchedByExactLabel, true
	}

	if target.FuzzyText != "" {
		want := normalize(target.FuzzyText)

		if penalty, ok := r.fuzzyPenalty(normalize(elem.Text), want); ok {
			return r.config.FuzzyWeight - penalty + roleBonus(elem, target), entity.MatchedByFuzzyText, true
		}

		if penalty, ok := r.fuzzyPenalty(normalize(elem.Label), want); ok {
			return r.config.FuzzyWeight - penalty + roleBonus(elem, target), entity.MatchedByFuzzyText, true
		}
	}

	if target.Placeholder != "" && normalize(elem.Placeholder) == normalize(target.Placeholder) {
		return r.config.WeakWeight + 1, entity.MatchedByPlaceholder, true
	}

	if target.Role != "" && elem.Role == target.Role &&
		target.ExactText == "" && target.FuzzyText == "" && target.Label == "" {
		return r.config.WeakWeight, entity.MatchedByRole, true
	}

	return 0, "", false
}

// fuzzyPenalty returns the edit-distance penalty for a candidate string, or
// ok=false when the string is not a plausible fuzzy match at all.
func (r *Resolver) fuzzyPenalty(have, want string) (float64, bool) {
	if have == "" || want == "" {
		return 0, false
	}

	if have == want {
		return 0, true
	}

	if strings.Contains(have, want) || strings.Contains(want, have) {
		// Substring matches are penalized by the length difference so the
		// tightest containment wins.
		diff := len(have) - len(want)
		if diff < 0 {
			diff = -diff
		}

		return r.config.DistancePenalty * float64(min(diff, r.config.MaxDistance)) / float64(r.config.MaxDistance+1), true
	}

	distance := levenshtein.ComputeDistance(have, want)
	if distance > r.config.MaxDistance {
		return 0, false
	}

	return r.config.DistancePenalty * float64(distance), true
}

// roleBonus nudges elements whose role agrees with the hint so that, among
// equal text matches, a button beats a stray span.
func roleBonus(elem entity.ElementDescriptor, target entity.TargetSpec) float64 {
	if target.Role != "" && elem.Role == target.Role {
		return 0.5
	}

	return 0
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalize(s string) string {
	return strings.ToLower(collapse(s))
}

func describeTarget(target entity.TargetSpec) string {
	switch {
	case target.ExactText != "":
		return "text=" + target.ExactText
	case target.FuzzyText != "":
		return "text~" + target.FuzzyText
	case target.Label != "":
		return "label=" + target.Label
	case target.Placeholder != "":
		return "placeholder=" + target.Placeholder
	case target.Role != "":
		return "role=" + target.Role
	default:
		return "(no hints)"
	}
}
