package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ha1tch/storysync/pkg/mapping"
)

var (
	// ErrAmbiguousMatch is returned when several candidates match equally well
	ErrAmbiguousMatch = errors.New("ambiguous match")
	// ErrNoMatch is returned when no candidate matches
	ErrNoMatch = errors.New("no match")
)

// MatchKind says which rule produced a name match
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchContains MatchKind = "contains"
)

// exactScore ranks an exact name match above any containment match
const exactScore = 1 << 20

type candidate struct {
	id         int64
	externalID string
	name       string
	// batch marks a record of the current run without a committed row
	batch bool
}

// BestMatch picks the candidate whose name matches name. A case and
// whitespace insensitive exact match wins outright. Otherwise a candidate
// matches when either normalized name contains the other, scored by the
// length of the contained name; the single highest score wins. Ties and
// multiple exact matches fail with ErrAmbiguousMatch. Names shorter than
// minLen never take part in containment matching.
func BestMatch(name string, candidates []string, minLen int) (int, MatchKind, error) {
	key := mapping.NormalizeName(name)
	if key == "" {
		return -1, "", ErrNoMatch
	}

	var exact []int
	for i, c := range candidates {
		if mapping.NormalizeName(c) == key {
			exact = append(exact, i)
		}
	}
	switch len(exact) {
	case 0:
	case 1:
		return exact[0], MatchExact, nil
	default:
		return -1, "", ambiguous(name, candidates, exact)
	}

	if len(key) < minLen {
		return -1, "", ErrNoMatch
	}

	best := 0
	var top []int
	for i, c := range candidates {
		ck := mapping.NormalizeName(c)
		if len(ck) < minLen {
			continue
		}
		if !strings.Contains(key, ck) && !strings.Contains(ck, key) {
			continue
		}
		score := len(ck)
		if len(key) < score {
			score = len(key)
		}
		switch {
		case score > best:
			best = score
			top = []int{i}
		case score == best:
			top = append(top, i)
		}
	}

	switch len(top) {
	case 0:
		return -1, "", ErrNoMatch
	case 1:
		return top[0], MatchContains, nil
	default:
		return -1, "", ambiguous(name, candidates, top)
	}
}

func ambiguous(name string, candidates []string, idx []int) error {
	names := make([]string, len(idx))
	for i, j := range idx {
		names[i] = fmt.Sprintf("%q", candidates[j])
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %q matches %s", ErrAmbiguousMatch, name, strings.Join(names, ", "))
}

func matchCandidates(name string, cands []candidate, minLen int) (candidate, MatchKind, error) {
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.name
	}
	i, kind, err := BestMatch(name, names, minLen)
	if err != nil {
		return candidate{}, "", err
	}
	return cands[i], kind, nil
}

// scoredMatch is matchCandidates plus the score of the winning match:
// exactScore for an exact match, otherwise the length of the contained name
func scoredMatch(name string, cands []candidate, minLen int) (candidate, int, error) {
	c, kind, err := matchCandidates(name, cands, minLen)
	if err != nil {
		return c, 0, err
	}
	if kind == MatchExact {
		return c, exactScore, nil
	}
	return c, min(len(mapping.NormalizeName(name)), len(mapping.NormalizeName(c.name))), nil
}
