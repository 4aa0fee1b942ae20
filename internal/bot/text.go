package bot

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalizeCommand folds text for keyword matching: "  ＳＵＰＰＯＲＴ " -> "support".
func normalizeCommand(text string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(text)))
}

// normalizeName trims a captured name and composes its accents.
func normalizeName(text string) string {
	return norm.NFC.String(strings.TrimSpace(text))
}
