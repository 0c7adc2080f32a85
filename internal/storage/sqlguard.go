package storage

import (
	"fmt"
	"strings"
)

// Keywords that must never appear in a guarded query, even inside a CTE.
var forbiddenSQLWords = []string{
	"insert", "update", "delete", "drop", "alter", "create", "replace",
	"truncate", "attach", "detach", "pragma", "vacuum", "reindex",
	"grant", "revoke", "begin", "commit", "rollback", "savepoint",
}

// GuardReadOnlySQL validates that a query is a single read-only statement.
// It is deliberately conservative: anything it cannot prove safe is
// rejected. The error text names the first offending construct.
func GuardReadOnlySQL(query string) error {
	stripped := stripSQLComments(query)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return fmt.Errorf("empty sql statement")
	}

	// One statement only. A trailing semicolon is tolerated.
	if i := strings.IndexByte(trimmed, ';'); i >= 0 && strings.TrimSpace(trimmed[i+1:]) != "" {
		return fmt.Errorf("multiple sql statements are not allowed")
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), ";")

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return fmt.Errorf("only SELECT statements are allowed")
	}

	for _, word := range forbiddenSQLWords {
		if containsSQLWord(lower, word) {
			return fmt.Errorf("forbidden keyword %q in read-only sql", word)
		}
	}
	return nil
}

// stripSQLComments removes -- line and /* block */ comments so keywords
// cannot hide inside them. String literals are preserved untouched.
func stripSQLComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if c == '\'' {
				inString = false
			}
			continue
		}
		switch {
		case c == '\'':
			inString = true
			b.WriteByte(c)
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// containsSQLWord reports whether word appears as a standalone token,
// ignoring occurrences inside single-quoted literals.
func containsSQLWord(lower, word string) bool {
	inString := false
	for i := 0; i+len(word) <= len(lower); i++ {
		if lower[i] == '\'' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if lower[i:i+len(word)] != word {
			continue
		}
		beforeOK := i == 0 || !isSQLWordChar(lower[i-1])
		after := i + len(word)
		afterOK := after == len(lower) || !isSQLWordChar(lower[after])
		if beforeOK && afterOK {
			return true
		}
	}
	return false
}

func isSQLWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
