package release

import (
	"sort"
	"strings"
	"unicode"

	"github.com/reelforge/core/internal/model"
)

// DefaultThreshold is the minimum title similarity score (0.0-1.0) for two
// names to be considered the same release.
const DefaultThreshold = 0.7

// LevenshteinDistance computes the edit distance between two strings,
// lowercased before comparison.
func LevenshteinDistance(a, b string) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	runeA := []rune(a)
	runeB := []rune(b)
	la, lb := len(runeA), len(runeB)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if runeA[i-1] == runeB[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

// LevenshteinSimilarity returns a normalized similarity score in [0, 1].
func LevenshteinSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	distance := LevenshteinDistance(a, b)
	maxLen := max2(len([]rune(strings.ToLower(a))), len([]rune(strings.ToLower(b))))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(distance)/float64(maxLen)
}

// normalizeForMatching strips non-alphanumeric characters (except spaces)
// and lowercases, matching the recovery worker's "lowercased, non-alnum ->
// space" normalization (spec §4.8 step 2).
func normalizeForMatching(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// significantWords splits a normalized name into words of length >= 3,
// the unit the recovery worker's 80% overlap threshold counts over.
func significantWords(normalized string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(normalized) {
		if len(w) >= 3 {
			words[w] = true
		}
	}
	return words
}

// WordOverlapRatio returns the fraction of releaseName's significant words
// that also appear in candidateName, after identical normalization (spec
// §4.8 step 2: "shares >= 80% of the release's significant words").
func WordOverlapRatio(releaseName, candidateName string) float64 {
	releaseWords := significantWords(normalizeForMatching(releaseName))
	if len(releaseWords) == 0 {
		return 0
	}
	candidateWords := significantWords(normalizeForMatching(candidateName))

	shared := 0
	for w := range releaseWords {
		if candidateWords[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(releaseWords))
}

// MatchesRecoveryThreshold reports whether candidateName shares at least
// 80% of releaseName's significant words (spec §4.8 step 2).
func MatchesRecoveryThreshold(releaseName, candidateName string) bool {
	return WordOverlapRatio(releaseName, candidateName) >= 0.80
}

// resolutionRank orders resolutions from most to least preferred, used to
// rank candidate releases (spec §4.6.1 step 9).
var resolutionRank = map[string]int{
	"2160p": 4,
	"1080p": 3,
	"720p":  2,
	"480p":  1,
	"360p":  0,
}

// ResolutionRank returns resolutionRank's ordinal for resolution (higher is
// better), and whether resolution is recognized.
func ResolutionRank(resolution string) (int, bool) {
	rank, ok := resolutionRank[strings.ToLower(resolution)]
	return rank, ok
}

// RankReleases orders candidates best-first by resolution preference, then
// seeders, then size (spec §4.6.1 step 9).
func RankReleases(candidates []model.Release) []model.Release {
	ranked := make([]model.Release, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := resolutionRank[strings.ToLower(ranked[i].Resolution)], resolutionRank[strings.ToLower(ranked[j].Resolution)]
		if ri != rj {
			return ri > rj
		}
		if ranked[i].Seeders != ranked[j].Seeders {
			return ranked[i].Seeders > ranked[j].Seeders
		}
		return ranked[i].Size > ranked[j].Size
	})
	return ranked
}

// QualityPartition splits candidates into those meeting minResolution and
// those below it (spec §4.6.1 step 7).
func QualityPartition(candidates []model.Release, minResolution string) (matching, belowThreshold []model.Release) {
	minRank, ok := resolutionRank[strings.ToLower(minResolution)]
	if !ok {
		return candidates, nil
	}
	for _, c := range candidates {
		rank, known := resolutionRank[strings.ToLower(c.Resolution)]
		if known && rank >= minRank {
			matching = append(matching, c)
		} else {
			belowThreshold = append(belowThreshold, c)
		}
	}
	return matching, belowThreshold
}

// IsSeasonPack classifies a release title as a season pack: it either
// carries no episode marker at all, or carries five or more (spec §4.6.1
// step 6 — "title has 0 episode markers or >= 5"). Each episode number
// chained onto an SxxEyy marker (S01E01E02) counts as one more marker.
func IsSeasonPack(title string) bool {
	count := len(tvPatternX.FindAllString(title, -1))
	for _, loc := range tvPatternSE.FindAllStringIndex(title, -1) {
		count++
		rest := title[loc[1]:]
		for {
			rest = strings.TrimLeft(rest, ". _-")
			if len(rest) < 2 || (rest[0] != 'E' && rest[0] != 'e') || !unicode.IsDigit(rune(rest[1])) {
				break
			}
			count++
			rest = strings.TrimLeftFunc(rest[1:], unicode.IsDigit)
		}
	}
	return count == 0 || count >= 5
}

func min3(a, b, c int) int {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}

func max2(a, b int) int {
	if a > b {
		return a
	}
	return b
}
