package batch

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// CondOp enumerates the comparison operators a condition supports.
type CondOp string

const (
	CondEq    CondOp = "eq"
	CondIn    CondOp = "in"
	CondGt    CondOp = "gt"
	CondGte   CondOp = "gte"
	CondLt    CondOp = "lt"
	CondLte   CondOp = "lte"
	CondLike  CondOp = "like"
	CondILike CondOp = "ilike"
)

// Condition compares one row field against a value.
type Condition struct {
	Field string
	Op    CondOp
	Value interface{}
}

func Eq(field string, value interface{}) Condition {
	return Condition{Field: field, Op: CondEq, Value: value}
}

func In(field string, values ...interface{}) Condition {
	return Condition{Field: field, Op: CondIn, Value: values}
}

func Gt(field string, value interface{}) Condition {
	return Condition{Field: field, Op: CondGt, Value: value}
}

func Gte(field string, value interface{}) Condition {
	return Condition{Field: field, Op: CondGte, Value: value}
}

func Lt(field string, value interface{}) Condition {
	return Condition{Field: field, Op: CondLt, Value: value}
}

func Lte(field string, value interface{}) Condition {
	return Condition{Field: field, Op: CondLte, Value: value}
}

// Like matches SQL-style patterns where % spans any run and _ matches one
// character. ILike is the case-insensitive variant.
func Like(field, pattern string) Condition {
	return Condition{Field: field, Op: CondLike, Value: pattern}
}

func ILike(field, pattern string) Condition {
	return Condition{Field: field, Op: CondILike, Value: pattern}
}

// Filter selects rows. Conditions are ANDed together; Or branches match as
// alternatives to the whole conjunction. Ordering and range apply to reads.
type Filter struct {
	conds  []Condition
	ors    []*Filter
	order  string
	desc   bool
	limit  int
	offset int
}

// Where starts a filter from a set of ANDed conditions.
func Where(conds ...Condition) *Filter {
	return &Filter{conds: conds}
}

// Or adds an alternative branch: a row matches the filter when it satisfies
// the base conditions or any branch.
func (f *Filter) Or(alt *Filter) *Filter {
	if alt != nil {
		f.ors = append(f.ors, alt)
	}
	return f
}

// OrderBy sorts read results by a field.
func (f *Filter) OrderBy(field string, descending bool) *Filter {
	f.order = field
	f.desc = descending
	return f
}

// Limit caps the number of rows a read returns.
func (f *Filter) Limit(n int) *Filter {
	f.limit = n
	return f
}

// Range sets the read window: skip offset rows, return at most limit.
func (f *Filter) Range(offset, limit int) *Filter {
	f.offset = offset
	f.limit = limit
	return f
}

// Matches reports whether a row satisfies the filter.
func (f *Filter) Matches(row map[string]interface{}) bool {
	if f == nil {
		return true
	}
	if f.matchesConds(row) {
		return true
	}
	for _, alt := range f.ors {
		if alt.Matches(row) {
			return true
		}
	}
	return false
}

func (f *Filter) matchesConds(row map[string]interface{}) bool {
	// A filter with only Or branches has no base conjunction to satisfy.
	if len(f.conds) == 0 && len(f.ors) > 0 {
		return false
	}
	for _, c := range f.conds {
		if !c.matches(row) {
			return false
		}
	}
	return true
}

// Apply filters, orders, and windows rows for a read.
func (f *Filter) Apply(rows []map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, row := range rows {
		if f.Matches(row) {
			out = append(out, row)
		}
	}
	if f == nil {
		return out
	}
	if f.order != "" {
		field := f.order
		sort.SliceStable(out, func(i, j int) bool {
			less := compareValues(out[i][field], out[j][field]) < 0
			if f.desc {
				return !less
			}
			return less
		})
	}
	if f.offset > 0 {
		if f.offset >= len(out) {
			return nil
		}
		out = out[f.offset:]
	}
	if f.limit > 0 && f.limit < len(out) {
		out = out[:f.limit]
	}
	return out
}

func (c Condition) matches(row map[string]interface{}) bool {
	have, ok := row[c.Field]
	if !ok {
		return false
	}
	switch c.Op {
	case CondEq:
		return compareValues(have, c.Value) == 0
	case CondIn:
		values, ok := c.Value.([]interface{})
		if !ok {
			return false
		}
		for _, v := range values {
			if compareValues(have, v) == 0 {
				return true
			}
		}
		return false
	case CondGt:
		return compareValues(have, c.Value) > 0
	case CondGte:
		return compareValues(have, c.Value) >= 0
	case CondLt:
		return compareValues(have, c.Value) < 0
	case CondLte:
		return compareValues(have, c.Value) <= 0
	case CondLike:
		return likeMatch(have, c.Value, false)
	case CondILike:
		return likeMatch(have, c.Value, true)
	}
	return false
}

// compareValues orders two values: numerically when both coerce to numbers,
// lexically otherwise. Returns -1, 0, or 1; incomparable pairs order by
// their string forms.
func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func likeMatch(have, pattern interface{}, insensitive bool) bool {
	s, ok := have.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	expr := likeToRegexp(p, insensitive)
	matched, err := regexp.MatchString(expr, s)
	return err == nil && matched
}

func likeToRegexp(pattern string, insensitive bool) string {
	var sb strings.Builder
	if insensitive {
		sb.WriteString("(?i)")
	}
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}
