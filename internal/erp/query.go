package erp

import (
	"fmt"
	"strings"
	"time"
)

// Since builds a "field ge datetime'...'" condition with from rendered in loc.
func Since(field string, from time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s ge datetime'%s'", field, FormatTime(from, loc))
}

// ConsultationsSince matches documents created since from or scheduled for today onward.
func ConsultationsSince(from, today time.Time, loc *time.Location) string {
	return fmt.Sprintf("(%s or %s)", Since(FieldCreatedAt, from, loc), Since(FieldScheduledAt, today, loc))
}

// RefKeysIn matches any of the given document keys.
func RefKeysIn(keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s eq guid'%s'", FieldRefKey, key))
	}
	return strings.Join(parts, " or ")
}

// And joins non-empty conditions, parenthesizing each.
func And(conds ...string) string {
	parts := make([]string, 0, len(conds))
	for _, cond := range conds {
		if cond == "" {
			continue
		}
		parts = append(parts, "("+cond+")")
	}
	if len(parts) == 1 {
		return strings.TrimSuffix(strings.TrimPrefix(parts[0], "("), ")")
	}
	return strings.Join(parts, " and ")
}

// Asc orders by field ascending.
func Asc(field string) string {
	return field + " asc"
}
