package wkid

import (
	"fmt"
	"strconv"
	"strings"
)

// Width is the number of hex digits in an encoded subject ID.
const Width = 8

// Format encodes a WaniKani subject ID as a fixed-width hexadecimal string.
// Dependency list fields store these, which allows them to be searched with
// simple substring queries without having to check for surrounding spaces or
// start/end of line.
func Format(id int64) string {
	return fmt.Sprintf("%08x", id)
}

// Parse decodes a fixed-width hexadecimal subject ID.
func Parse(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subject id %q: %w", s, err)
	}
	return id, nil
}

// Join encodes a list of subject IDs as a space-separated field value.
func Join(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = Format(id)
	}
	return strings.Join(parts, " ")
}

// Split decodes a space-separated field value into subject IDs. Malformed
// entries are skipped rather than failing the whole field, since the field
// may have been hand-edited in the host application.
func Split(field string) []int64 {
	var ids []int64
	for part := range strings.FieldsSeq(field) {
		if id, err := Parse(part); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
