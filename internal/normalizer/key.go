// Package normalizer consolidates extracted fragments into canonical products.
package normalizer

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// productNamespace scopes canonical product ids. Changing it changes every id.
var productNamespace = uuid.MustParse("6f1c63a4-3a0e-5b8e-9a57-1d7f0c2b9e41")

const keySeparator = "|"

// NormalizeText lower-cases s, applies NFC and collapses whitespace runs.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// SourceIdentifier reduces a source URL to host and path so scheme,
// www prefix, query and fragment do not split one source in two.
func SourceIdentifier(sourceURL string) string {
	u, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || u.Host == "" {
		return NormalizeText(sourceURL)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host + strings.TrimRight(u.EscapedPath(), "/")
}

// GroupingKey builds the key fragments are merged under. The source
// identifier is left out only when merging across sources.
func GroupingKey(title, vendor, sourceURL string, mergeAcrossSources bool) string {
	parts := []string{NormalizeText(title), NormalizeText(vendor)}
	if !mergeAcrossSources {
		parts = append(parts, SourceIdentifier(sourceURL))
	}
	return strings.Join(parts, keySeparator)
}

// ProductID derives the canonical id from a grouping key. The same key
// always yields the same id, which makes re-ingestion idempotent.
func ProductID(groupingKey string) string {
	return uuid.NewSHA1(productNamespace, []byte(groupingKey)).String()
}
