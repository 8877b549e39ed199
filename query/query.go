// Package query filters, sorts and paginates captured records for the
// request viewer. It never touches storage and never reorders its input.
package query

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/auditmos/adminpanel/logging"
)

// PageSize is the number of rows per dashboard page.
const PageSize = 50

const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Fielder exposes named fields for filtering and sorting.
type Fielder interface {
	Field(name string) (interface{}, bool)
}

// Params are the refinement controls. FilterValue is a pointer because an
// empty value is a valid filter, distinct from no filter at all.
type Params struct {
	FilterBy    string
	FilterValue *string
	SortBy      string
	SortOrder   string
	Page        int
}

// Value is a convenience for building Params.FilterValue.
func Value(s string) *string { return &s }

type Result[T any] struct {
	Items      []T
	Page       int
	TotalPages int
	Total      int
}

func (r Result[T]) HasPrevious() bool { return r.Page > 1 }
func (r Result[T]) HasNext() bool     { return r.Page < r.TotalPages }
func (r Result[T]) PreviousPage() int { return r.Page - 1 }
func (r Result[T]) NextPage() int     { return r.Page + 1 }

// PageRange lists 1..TotalPages for pager links.
func (r Result[T]) PageRange() []int {
	pages := make([]int, r.TotalPages)
	for i := range pages {
		pages[i] = i + 1
	}
	return pages
}

// Run applies filter, then sort, then pagination. Sorting problems are
// reported through log and leave the filtered order as is. log may be nil.
func Run[T Fielder](items []T, p Params, log logging.Logger) Result[T] {
	if log == nil {
		log = logging.NopLogger{}
	}

	data := Filter(items, p.FilterBy, p.FilterValue)

	if p.SortBy != "" {
		sorted, err := Sort(data, p.SortBy, p.SortOrder)
		if err != nil {
			log.WithFields(logging.Fields{
				"sort_by":    p.SortBy,
				"sort_order": p.SortOrder,
			}).WithError(err).Warn("query", "sort", "Sort skipped")
		} else {
			data = sorted
		}
	}

	return Paginate(data, p.Page)
}

// Filter keeps items whose field renders exactly as value. A missing field
// renders as "". It is a no-op unless both by and value are set.
func Filter[T Fielder](items []T, by string, value *string) []T {
	out := make([]T, 0, len(items))
	if by == "" || value == nil {
		return append(out, items...)
	}
	for _, item := range items {
		if render(item, by) == *value {
			out = append(out, item)
		}
	}
	return out
}

func render(item Fielder, name string) string {
	v, ok := item.Field(name)
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

type kind int

const (
	kindInvalid kind = iota
	kindNumber
	kindString
)

type sortKey struct {
	kind kind
	num  float64
	str  string
}

func keyOf(item Fielder, name string) sortKey {
	v, ok := item.Field(name)
	if !ok {
		return sortKey{kind: kindString}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return sortKey{kind: kindString, str: rv.String()}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return sortKey{kind: kindNumber, num: float64(rv.Int())}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return sortKey{kind: kindNumber, num: float64(rv.Uint())}
	case reflect.Float32, reflect.Float64:
		return sortKey{kind: kindNumber, num: rv.Float()}
	case reflect.Bool:
		if rv.Bool() {
			return sortKey{kind: kindNumber, num: 1}
		}
		return sortKey{kind: kindNumber}
	}
	return sortKey{kind: kindInvalid}
}

// Sort returns a stably sorted copy ordered by the named field. Any order
// other than "desc" is ascending. Keys must all be numbers or all strings;
// otherwise an error is returned and no copy is made.
func Sort[T Fielder](items []T, by, order string) ([]T, error) {
	keys := make([]sortKey, len(items))
	for i, item := range items {
		keys[i] = keyOf(item, by)
		if keys[i].kind == kindInvalid {
			return nil, fmt.Errorf("field %q is not sortable", by)
		}
		if keys[i].kind != keys[0].kind {
			return nil, fmt.Errorf("field %q mixes numbers and strings", by)
		}
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	desc := order == OrderDesc
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if desc {
			ka, kb = kb, ka
		}
		if ka.kind == kindNumber {
			return ka.num < kb.num
		}
		return ka.str < kb.str
	})

	out := make([]T, len(items))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out, nil
}

// Paginate returns the 1-based page of PageSize items. Out-of-range pages
// clamp to the first or last page; an empty input still has one page.
func Paginate[T any](items []T, page int) Result[T] {
	total := len(items)
	totalPages := (total + PageSize - 1) / PageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * PageSize
	end := start + PageSize
	if end > total {
		end = total
	}

	pageItems := make([]T, end-start)
	copy(pageItems, items[start:end])

	return Result[T]{
		Items:      pageItems,
		Page:       page,
		TotalPages: totalPages,
		Total:      total,
	}
}
