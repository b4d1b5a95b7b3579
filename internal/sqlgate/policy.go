package sqlgate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrPolicyViolation is returned for any statement whose leading keyword
	// is not select, show, describe, desc or explain.
	ErrPolicyViolation = errors.New("only read-only statements (SELECT, SHOW, DESCRIBE, DESC, EXPLAIN) are allowed")

	// ErrNotSelect is returned by QuerySelect for statements that are not
	// shaped like "SELECT ... FROM ...".
	ErrNotSelect = errors.New("only SELECT ... FROM ... queries are allowed")

	// ErrInvalidIdentifier is returned for an empty table name.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

var (
	readOnlyPattern = regexp.MustCompile(`(?i)^(select|show|describe|desc|explain)\b`)
	selectPattern   = regexp.MustCompile(`(?is)^select\s.+\sfrom\s.+`)
)

// CheckReadOnly reports whether stmt may be executed by the gateway.
func CheckReadOnly(stmt string) error {
	if !readOnlyPattern.MatchString(strings.TrimLeft(stmt, " \t\r\n\f\v")) {
		return fmt.Errorf("%w: %s", ErrPolicyViolation, preview(stmt))
	}
	return nil
}

// CheckSelect is the stricter check applied to free-form user queries.
func CheckSelect(query string) error {
	if !selectPattern.MatchString(strings.TrimSpace(query)) {
		return ErrNotSelect
	}
	return nil
}

// QuoteIdent backtick-quotes a MySQL identifier, doubling embedded
// backticks. Only identifiers are ever interpolated into statements; values
// always go through driver parameters.
func QuoteIdent(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`", nil
}

// escapeLike escapes the LIKE wildcards so a table name matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// preview shortens stmt to 60 runes for error messages.
func preview(stmt string) string {
	s := strings.Join(strings.Fields(stmt), " ")
	if utf8.RuneCountInString(s) <= 60 {
		return s
	}
	return string([]rune(s)[:60]) + "..."
}
