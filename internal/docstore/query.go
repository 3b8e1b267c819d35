package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Op is a filter comparison operator.
type Op string

const (
	Eq  Op = "=="
	Neq Op = "!="
	Lt  Op = "<"
	Lte Op = "<="
	Gt  Op = ">"
	Gte Op = ">="

	// Contains matches array fields holding Value.
	Contains Op = "array-contains"
)

// Filter restricts a query to documents whose Field compares true against Value.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Query selects documents of one collection. When DocID is set the query
// watches that single document and every other field is ignored.
type Query struct {
	Collection  string   `json:"collection"`
	DocID       string   `json:"doc_id,omitempty"`
	Filters     []Filter `json:"filters,omitempty"`
	OrderBy     string   `json:"order_by,omitempty"`
	Descending  bool     `json:"descending,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	LimitToLast bool     `json:"limit_to_last,omitempty"`
}

// Collection starts a query over collection c.
func Collection(c string) Query { return Query{Collection: c} }

// Document returns a query that watches one document.
func Document(collection, id string) Query { return Query{Collection: collection, DocID: id} }

func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Order(field string, desc bool) Query {
	q.OrderBy = field
	q.Descending = desc
	return q
}

// First keeps the first n results of the ordering.
func (q Query) First(n int) Query {
	q.Limit = n
	q.LimitToLast = false
	return q
}

// Last keeps the last n results of the ordering, still returned in order.
func (q Query) Last(n int) Query {
	q.Limit = n
	q.LimitToLast = true
	return q
}

func (q Query) validate() error {
	if err := validCollection(q.Collection); err != nil {
		return err
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	if q.LimitToLast && q.OrderBy == "" {
		return fmt.Errorf("%w: limit-to-last requires an order", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		switch f.Op {
		case Eq, Neq, Lt, Lte, Gt, Gte, Contains:
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
		}
	}
	return nil
}

// apply filters, orders and limits docs (in insertion order) the way every
// backend evaluates a query.
func (q Query) apply(docs []*Doc) []*Doc {
	if q.DocID != "" {
		for _, d := range docs {
			if d.ID == q.DocID {
				return []*Doc{d}
			}
		}
		return nil
	}

	out := make([]*Doc, 0, len(docs))
	for _, d := range docs {
		if q.matches(d) {
			out = append(out, d)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compareValues(out[i].Data[q.OrderBy], out[j].Data[q.OrderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		if q.LimitToLast {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out
}

func (q Query) matches(d *Doc) bool {
	for _, f := range q.Filters {
		v, ok := d.Data[f.Field]
		if !ok || v == nil {
			// Missing fields only satisfy "!=" against a non-nil value.
			if f.Op == Neq && f.Value != nil {
				continue
			}
			return false
		}
		want := normalizeValue(f.Value)
		switch f.Op {
		case Eq:
			if !reflect.DeepEqual(v, want) {
				return false
			}
		case Neq:
			if reflect.DeepEqual(v, want) {
				return false
			}
		case Contains:
			arr, ok := v.([]any)
			if !ok || !containsValue(arr, want) {
				return false
			}
		default:
			if !orderable(v, want) {
				return false
			}
			c := compareValues(v, want)
			switch f.Op {
			case Lt:
				if c >= 0 {
					return false
				}
			case Lte:
				if c > 0 {
					return false
				}
			case Gt:
				if c <= 0 {
					return false
				}
			case Gte:
				if c < 0 {
					return false
				}
			}
		}
	}
	return true
}

func containsValue(arr []any, want any) bool {
	for _, x := range arr {
		if reflect.DeepEqual(x, want) {
			return true
		}
	}
	return false
}

func orderable(a, b any) bool {
	switch a.(type) {
	case float64:
		_, ok := b.(float64)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	}
	return false
}

// compareValues orders JSON values: nil < bool < number < string; other
// kinds compare equal.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		y := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}

// normalizeValue maps Go values onto their JSON-decoded form so filters
// written with int or int64 compare against stored float64 numbers.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil, bool, float64, string:
		return v
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint16:
		return float64(x)
	case float32:
		return float64(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// prepare resolves ServerTimestamp sentinels and converts data to JSON types.
func prepare(data Data, nowMs int64) (Data, error) {
	resolved := make(Data, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok && s == ServerTimestamp {
			resolved[k] = nowMs
			continue
		}
		resolved[k] = v
	}
	b, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out Data
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if out == nil {
		out = Data{}
	}
	return out, nil
}

func cloneDoc(d *Doc) *Doc {
	data := make(Data, len(d.Data))
	for k, v := range d.Data {
		data[k] = v
	}
	return &Doc{ID: d.ID, Collection: d.Collection, Data: data}
}
