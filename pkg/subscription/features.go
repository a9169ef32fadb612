package subscription

import (
	"slices"
	"strings"
	"time"
)

// MergeFeatures merges feature sets of concurrently active tiers.
// A positive feature stays if any set has it; a negative feature stays only
// if every set has it. The result is sorted by codename.
func MergeFeatures(sets ...[]Feature) []Feature {
	seen := make(map[Feature]struct{})
	for _, set := range sets {
		for _, f := range set {
			seen[f] = struct{}{}
		}
	}

	res := make([]Feature, 0, len(seen))
	for f := range seen {
		if f.Negative && !inAll(f, sets) {
			continue
		}
		res = append(res, f)
	}
	slices.SortFunc(res, func(a, b Feature) int {
		return strings.Compare(a.Codename, b.Codename)
	})
	return res
}

func inAll(f Feature, sets [][]Feature) bool {
	for _, set := range sets {
		if !slices.Contains(set, f) {
			return false
		}
	}
	return true
}

// DefaultFeatures merges the features of every default tier.
func DefaultFeatures(tiers []Tier) []Feature {
	var sets [][]Feature
	for _, t := range tiers {
		if t.Default {
			sets = append(sets, t.Features)
		}
	}
	return MergeFeatures(sets...)
}

// HasFeature reports whether the codename is in the set.
func HasFeature(features []Feature, codename string) bool {
	return slices.ContainsFunc(features, func(f Feature) bool { return f.Codename == codename })
}

// Involved returns the subscriptions that, walking back from at, cover a
// contiguous period ending at at. Subscriptions starting after at are
// ignored; the walk stops at the first gap. The result is ordered by end
// descending.
func Involved(subs []Subscription, at time.Time) []Subscription {
	candidates := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if !s.Start.After(at) {
			candidates = append(candidates, s)
		}
	}
	slices.SortStableFunc(candidates, func(a, b Subscription) int {
		return b.End.Compare(a.End)
	})

	from := at
	res := candidates[:0]
	for _, s := range candidates {
		if !s.End.After(from) {
			break
		}
		res = append(res, s)
		if s.Start.Before(from) {
			from = s.Start
		}
	}
	return res
}

// Active returns the subscriptions active at the moment.
func Active(subs []Subscription, at time.Time) []Subscription {
	var res []Subscription
	for _, s := range subs {
		if s.ActiveAt(at) {
			res = append(res, s)
		}
	}
	return res
}
