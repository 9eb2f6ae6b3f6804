// Package queryparams provides the typed filter/sort/pagination value
// objects consumed by local DAOs: a plain struct of optional fields
// rather than a query-builder DSL.
package queryparams

import (
	"fmt"
	"strings"
)

// SortDirection is the direction of a single sort clause.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortClause orders results by a single field.
type SortClause struct {
	Field     string
	Direction SortDirection
}

// FilterOp is the comparison applied by a single Filter.
type FilterOp string

const (
	FilterEq    FilterOp = "eq"
	FilterNeq   FilterOp = "neq"
	FilterGt    FilterOp = "gt"
	FilterGte   FilterOp = "gte"
	FilterLt    FilterOp = "lt"
	FilterLte   FilterOp = "lte"
	FilterIn    FilterOp = "in"
	FilterLike  FilterOp = "like"
)

// Filter is a single predicate over one field.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// QueryParams is the typed filter/sort/pagination object threaded
// through findOne/findAll/watchOne/watchAll and the cascade-delete
// child lookup (filter on the child's mappedBy column).
type QueryParams struct {
	Filters []Filter
	Sort    []SortClause
	Limit   int // 0 means unlimited
	Offset  int
}

// New returns an empty QueryParams.
func New() *QueryParams {
	return &QueryParams{}
}

// Where appends a filter comparing field to value with op and returns
// the receiver for chaining.
func (q *QueryParams) Where(field string, op FilterOp, value any) *QueryParams {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// OrderBy appends a sort clause and returns the receiver for chaining.
func (q *QueryParams) OrderBy(field string, dir SortDirection) *QueryParams {
	q.Sort = append(q.Sort, SortClause{Field: field, Direction: dir})
	return q
}

// Paginate sets limit/offset and returns the receiver for chaining.
func (q *QueryParams) Paginate(limit, offset int) *QueryParams {
	q.Limit = limit
	q.Offset = offset
	return q
}

// FilterByParent builds the QueryParams the cascade-delete routine uses
// to look up children: filter(mappedBy == id).
func FilterByParent(mappedBy, parentID string) *QueryParams {
	return New().Where(mappedBy, FilterEq, parentID)
}

// ToSQL renders the filters as a parameterized WHERE clause fragment
// over bare column names and returns the clause plus its positional
// arguments, in the order a DAO can append to its own SELECT.
// Sort/limit/offset are rendered separately by the caller since their
// SQL differs per dialect only in placeholder style, which the DAO
// already owns.
func (q *QueryParams) ToSQL() (clause string, args []any) {
	return q.ToSQLWith(func(field string) string { return field })
}

// ToSQLWith is ToSQL with the field rendering owned by the caller, for
// DAOs whose filterable fields are not plain columns (e.g. a JSON-blob
// table rendering each field as a json_extract expression).
func (q *QueryParams) ToSQLWith(render func(field string) string) (clause string, args []any) {
	if len(q.Filters) == 0 {
		return "", nil
	}
	clause = "WHERE "
	for i, f := range q.Filters {
		if i > 0 {
			clause += " AND "
		}
		field := render(f.Field)
		switch f.Op {
		case FilterNeq:
			clause += fmt.Sprintf("%s != ?", field)
		case FilterGt:
			clause += fmt.Sprintf("%s > ?", field)
		case FilterGte:
			clause += fmt.Sprintf("%s >= ?", field)
		case FilterLt:
			clause += fmt.Sprintf("%s < ?", field)
		case FilterLte:
			clause += fmt.Sprintf("%s <= ?", field)
		case FilterLike:
			clause += fmt.Sprintf("%s LIKE ?", field)
		case FilterIn:
			vals := inValues(f.Value)
			if len(vals) == 0 {
				// IN over an empty set matches nothing; "IN ()" is not
				// valid SQL, so render an always-false predicate.
				clause += "1 = 0"
				continue
			}
			clause += fmt.Sprintf("%s IN (%s?)", field, strings.Repeat("?, ", len(vals)-1))
			args = append(args, vals...)
			continue
		default: // FilterEq and anything unrecognized
			clause += fmt.Sprintf("%s = ?", field)
		}
		args = append(args, f.Value)
	}
	return clause, args
}

// inValues normalizes a FilterIn value into the flat argument list its
// placeholders bind to.
func inValues(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(vs))
		for i, n := range vs {
			out[i] = n
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}
