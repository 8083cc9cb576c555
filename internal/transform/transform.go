// Package transform converts canonical entities between the Google and
// Microsoft vocabularies. Every function is pure and total: unknown or
// empty enum values fall back to a fixed default for the target.
package transform

import (
	"strings"

	"github.com/Martian-dev/mailmove/internal/model"
)

// googleVocabulary reports whether target speaks the Google enums. Every
// other provider, IMAP included, uses the Microsoft style folder and enum
// names.
func googleVocabulary(target model.Provider) bool {
	return target == model.ProviderGoogle
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
