package model

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// SnakeCase converts a Go identifier to snake_case, keeping acronyms
// together ("UserID" -> "user_id", "HTTPServer" -> "http_server").
func SnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TableNameFor returns the default table name for a Go type name: the plural
// of its snake_case form.
func TableNameFor(typeName string) string {
	snake := SnakeCase(typeName)
	idx := strings.LastIndexByte(snake, '_')
	if idx < 0 {
		return inflection.Plural(snake)
	}
	return snake[:idx+1] + inflection.Plural(snake[idx+1:])
}
