package normalize

import (
	"strconv"

	"github.com/joseph-ayodele/secateur/internal/entity"
)

// rowFilter decides which records pass and shapes them for output.
type rowFilter struct {
	// cols holds the record index each predicate tests, or -1 when the
	// predicate can never match.
	cols   []int
	values []string
	// layout maps each output position to a record index. Nil means the
	// record is written as read.
	layout []int
}

// newHeaderedFilter resolves predicate columns by name. A name that appears
// more than once in the header resolves to its last position, and every
// position carrying that name is written with that value.
func newHeaderedFilter(header []string, filters []entity.Filter) *rowFilter {
	last := make(map[string]int, len(header))
	for i, name := range header {
		last[name] = i
	}
	f := &rowFilter{layout: make([]int, len(header))}
	for i, name := range header {
		f.layout[i] = last[name]
	}
	for _, flt := range filters {
		idx, ok := last[flt.Column]
		if !ok {
			idx = -1
		}
		f.cols = append(f.cols, idx)
		f.values = append(f.values, flt.Value)
	}
	return f
}

// newPositionalFilter resolves 1-based column positions.
func newPositionalFilter(filters []entity.Filter) *rowFilter {
	f := &rowFilter{}
	for _, flt := range filters {
		f.cols = append(f.cols, ColumnIndex(flt.Column))
		f.values = append(f.values, flt.Value)
	}
	return f
}

// ColumnIndex converts a 1-based public column position to a 0-based index.
// It returns -1 for anything that is not a positive integer.
func ColumnIndex(column string) int {
	n, err := strconv.Atoi(column)
	if err != nil || n < 1 {
		return -1
	}
	return n - 1
}

// match reports whether record satisfies every predicate. A field missing
// from a short record never matches.
func (f *rowFilter) match(record []string) bool {
	for i, idx := range f.cols {
		if idx < 0 || idx >= len(record) || record[idx] != f.values[i] {
			return false
		}
	}
	return true
}

// shape lays record out for output, padding short records with empty fields
// and dropping surplus ones. buf is reused between calls.
func (f *rowFilter) shape(record, buf []string) []string {
	if f.layout == nil {
		return record
	}
	buf = buf[:0]
	for _, idx := range f.layout {
		if idx < len(record) {
			buf = append(buf, record[idx])
		} else {
			buf = append(buf, "")
		}
	}
	return buf
}
