// Package didyoumean offers Damerau-Levenshtein based suggestions for an
// unresolved task or option name, used when the task graph or work-plan
// builder rejects a reference that doesn't exist.
//
// This is implemented directly against the standard library rather than an
// imported fuzzy-matching library: it is a small, self-contained algorithm
// with no natural home in any example repository's dependency stack (see
// DESIGN.md).
package didyoumean

import "sort"

// distance computes the Damerau-Levenshtein edit distance between a and b.
func distance(a, b []rune) int {
	aLen := len(a)
	bLen := len(b)
	if aLen == 0 {
		return bLen
	}
	if bLen == 0 {
		return aLen
	}

	width := aLen + 2
	maxDistance := aLen + bLen
	d := make([]int, (aLen+2)*(bLen+2))
	idx := func(i, j int) int { return j*width + i }

	d[0] = maxDistance
	for i := 0; i <= aLen; i++ {
		d[idx(i+1, 0)] = maxDistance
		d[idx(i+1, 1)] = i
	}
	for j := 0; j <= bLen; j++ {
		d[idx(0, j+1)] = maxDistance
		d[idx(1, j+1)] = j
	}

	seen := make(map[rune]int, 64)

	for i := 1; i <= aLen; i++ {
		db := 0
		for j := 1; j <= bLen; j++ {
			k := seen[b[j-1]]

			insertionCost := d[idx(i, j+1)] + 1
			deletionCost := d[idx(i+1, j)] + 1
			transpositionCost := d[idx(k, db)] + (i - k - 1) + 1 + (j - db - 1)

			substitutionCost := d[idx(i, j)] + 1
			if a[i-1] == b[j-1] {
				db = j
				substitutionCost--
			}

			d[idx(i+1, j+1)] = min4(substitutionCost, insertionCost, deletionCost, transpositionCost)
		}
		seen[a[i-1]] = i
	}

	return d[idx(aLen+1, bLen+1)]
}

func min4(a, b, c, d int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	if d < m {
		m = d
	}
	return m
}

// Distance returns the Damerau-Levenshtein distance between two strings.
func Distance(a, b string) int {
	return distance([]rune(a), []rune(b))
}

type candidate struct {
	name string
	dist int
}

// Suggest returns every name in candidates within maxDistance of typo,
// ordered by increasing distance and then lexicographically.
func Suggest(typo string, candidates []string, maxDistance int) []string {
	matches := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		d := Distance(typo, c)
		if d <= maxDistance {
			matches = append(matches, candidate{name: c, dist: d})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].dist != matches[j].dist {
			return matches[i].dist < matches[j].dist
		}
		return matches[i].name < matches[j].name
	})

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.name
	}
	return out
}
