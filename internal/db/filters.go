package db

import (
	"fmt"
	"strings"

	"github.com/sglegalhelp/offlinesync/internal/models"
)

// Filter represents a single query filter condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// EqualsFilter matches a column against a single value.
type EqualsFilter struct {
	Column string
	Value  string
}

// Valid reports whether a value was supplied.
func (f *EqualsFilter) Valid() bool {
	return f.Column != "" && f.Value != ""
}

// SQL returns the SQL fragment for equality filtering.
func (f *EqualsFilter) SQL() string {
	return f.Column + " = ?"
}

// Args returns the arguments for equality filtering.
func (f *EqualsFilter) Args() []interface{} {
	return []interface{}{f.Value}
}

// RangeFilter bounds an integer column. Zero bounds are open.
type RangeFilter struct {
	Column string
	From   int64
	To     int64
}

// Valid checks that at least one bound is set and the range is ordered.
func (f *RangeFilter) Valid() bool {
	if f.From == 0 && f.To == 0 {
		return false
	}
	if f.From > 0 && f.To > 0 && f.From > f.To {
		return false
	}
	return true
}

// SQL returns the SQL fragment for range filtering.
func (f *RangeFilter) SQL() string {
	var parts []string
	if f.From > 0 {
		parts = append(parts, f.Column+" >= ?")
	}
	if f.To > 0 {
		parts = append(parts, f.Column+" <= ?")
	}
	return strings.Join(parts, " AND ")
}

// Args returns the arguments for range filtering.
func (f *RangeFilter) Args() []interface{} {
	var args []interface{}
	if f.From > 0 {
		args = append(args, f.From)
	}
	if f.To > 0 {
		args = append(args, f.To)
	}
	return args
}

// BoolFilter matches a 0/1 integer column.
type BoolFilter struct {
	Column string
	Value  bool
}

// Valid always holds for a named column.
func (f *BoolFilter) Valid() bool { return f.Column != "" }

// SQL returns the SQL fragment for boolean filtering.
func (f *BoolFilter) SQL() string { return f.Column + " = ?" }

// Args returns the arguments for boolean filtering.
func (f *BoolFilter) Args() []interface{} {
	if f.Value {
		return []interface{}{1}
	}
	return []interface{}{0}
}

// FilterBuilder builds conjunctive SQL filter conditions from multiple filters.
// Invalid filters are dropped silently.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{
		filters: make([]Filter, 0),
	}
}

// Add appends f if it is valid.
func (fb *FilterBuilder) Add(f Filter) *FilterBuilder {
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// Equals adds an equality filter on column.
func (fb *FilterBuilder) Equals(column, value string) *FilterBuilder {
	return fb.Add(&EqualsFilter{Column: column, Value: value})
}

// Range adds a range filter on column.
func (fb *FilterBuilder) Range(column string, from, to int64) *FilterBuilder {
	return fb.Add(&RangeFilter{Column: column, From: from, To: to})
}

// Bool adds a boolean filter on column when value is non-nil.
func (fb *FilterBuilder) Bool(column string, value *bool) *FilterBuilder {
	if value == nil {
		return fb
	}
	return fb.Add(&BoolFilter{Column: column, Value: *value})
}

// HasFilters returns true if any filters have been added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Count returns the number of filters.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}

// Build returns the AND-joined SQL fragment and its arguments.
func (fb *FilterBuilder) Build() (string, []interface{}) {
	if !fb.HasFilters() {
		return "", nil
	}

	var sqlParts []string
	var args []interface{}
	for _, filter := range fb.filters {
		sqlParts = append(sqlParts, filter.SQL())
		args = append(args, filter.Args()...)
	}
	return strings.Join(sqlParts, " AND "), args
}

// Where returns Build's fragment prefixed with WHERE, or "" when empty.
func (fb *FilterBuilder) Where() (string, []interface{}) {
	clause, args := fb.Build()
	if clause == "" {
		return "", nil
	}
	return " WHERE " + clause, args
}

// String returns a string representation of the filters (for debugging).
func (fb *FilterBuilder) String() string {
	if !fb.HasFilters() {
		return "(no filters)"
	}
	var parts []string
	for _, filter := range fb.filters {
		parts = append(parts, fmt.Sprintf("%T", filter))
	}
	return strings.Join(parts, ", ")
}

// DocumentFilter selects documents. Empty fields match everything.
type DocumentFilter struct {
	Type         string            `json:"type,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	SyncStatus   models.SyncStatus `json:"sync_status,omitempty"`
	Category     string            `json:"category,omitempty"`
	UpdatedSince int64             `json:"updated_since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
}

func (f DocumentFilter) builder() *FilterBuilder {
	return NewFilterBuilder().
		Equals("type", f.Type).
		Equals("user_id", f.UserID).
		Equals("sync_status", string(f.SyncStatus)).
		Equals("category", f.Category).
		Range("updated_at", f.UpdatedSince, 0)
}

// ActionFilter selects pending actions. Empty fields match everything.
type ActionFilter struct {
	Status     models.ActionStatus `json:"status,omitempty"`
	Kind       models.ActionKind   `json:"kind,omitempty"`
	EntityType models.EntityType   `json:"entity_type,omitempty"`
	EntityID   string              `json:"entity_id,omitempty"`
	UserID     string              `json:"user_id,omitempty"`
	// ReadyAt, when set, keeps only actions whose next_retry_at is at or before it (unix ms).
	ReadyAt int64 `json:"ready_at,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

func (f ActionFilter) builder() *FilterBuilder {
	fb := NewFilterBuilder().
		Equals("status", string(f.Status)).
		Equals("kind", string(f.Kind)).
		Equals("entity_type", string(f.EntityType)).
		Equals("entity_id", f.EntityID).
		Equals("user_id", f.UserID)
	if f.ReadyAt > 0 {
		fb.Add(&RangeFilter{Column: "next_retry_at", To: f.ReadyAt})
	}
	return fb
}

// ConflictFilter selects sync conflicts.
type ConflictFilter struct {
	Resolved   *bool             `json:"resolved,omitempty"`
	EntityType models.EntityType `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
}

func (f ConflictFilter) builder() *FilterBuilder {
	return NewFilterBuilder().
		Bool("resolved", f.Resolved).
		Equals("entity_type", string(f.EntityType)).
		Equals("entity_id", f.EntityID)
}
