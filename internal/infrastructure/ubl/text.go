package ubl

import (
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldDiacritics strips combining marks so ș/ț/ă/â/î come out as s/t/a/a/i.
// Some downstream consumers of the clearance XML still run on latin-1
// systems and garble Romanian diacritics otherwise.
func foldDiacritics(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return s
	}
	return out
}
