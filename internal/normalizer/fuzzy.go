package normalizer

import (
	"strings"
	"unicode"

	"github.com/sbs-integration-engine/internal/domain"
)

// tokenSet splits a description into its set of lowercase alphanumeric tokens.
func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Similarity returns the Dice coefficient of the token sets of a and b, in [0,1].
func Similarity(a, b string) float64 {
	return dice(tokenSet(a), tokenSet(b))
}

func dice(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// catalogueIndex holds pre-tokenized catalogue descriptions.
type catalogueIndex struct {
	entries []domain.CatalogueEntry
	tokens  []map[string]struct{}
	byCode  map[string]domain.CatalogueEntry
}

func newCatalogueIndex(entries []domain.CatalogueEntry) *catalogueIndex {
	ix := &catalogueIndex{
		entries: entries,
		tokens:  make([]map[string]struct{}, len(entries)),
		byCode:  make(map[string]domain.CatalogueEntry, len(entries)),
	}
	for i, e := range entries {
		ix.tokens[i] = tokenSet(e.Description)
		ix.byCode[e.Code] = e
	}
	return ix
}

// best returns the catalogue entry most similar to description. Ties go to
// the lexically smallest code so results are stable.
func (ix *catalogueIndex) best(description string) (domain.CatalogueEntry, float64, bool) {
	query := tokenSet(description)
	var (
		best  domain.CatalogueEntry
		score float64
		found bool
	)
	for i, e := range ix.entries {
		s := dice(query, ix.tokens[i])
		if s == 0 {
			continue
		}
		if !found || s > score || (s == score && e.Code < best.Code) {
			best, score, found = e, s, true
		}
	}
	return best, score, found
}

func (ix *catalogueIndex) lookup(code string) (domain.CatalogueEntry, bool) {
	e, ok := ix.byCode[code]
	return e, ok
}
