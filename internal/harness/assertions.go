package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/underthetree/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			switch ev.Type {
			case EventTransition:
				fmt.Fprintf(&buf, "  [%d] %s -> %s\n", ev.Seq, ev.From, ev.To)
			case EventAction:
				fmt.Fprintf(&buf, "  [%d] %s (%d/%d acted)\n", ev.Seq, ev.Name, ev.Acted, ev.Of)
			default:
				fmt.Fprintf(&buf, "  [%d] %s %s %s\n", ev.Seq, ev.Type, ev.Name, ev.Status)
			}
		}
	}
	return buf.String()
}

// assertStateOrder checks that the states were entered in the given
// order. Other transitions may come in between.
func assertStateOrder(result *Result, assertion Assertion) error {
	entered := result.Transitions()
	next := 0
	for _, s := range entered {
		if next < len(assertion.States) && s == assertion.States[next] {
			next++
		}
	}
	if next == len(assertion.States) {
		return nil
	}
	return &AssertionError{
		Type:     AssertStateOrder,
		Expected: fmt.Sprintf("states in order: %v", assertion.States),
		Actual:   fmt.Sprintf("matched %d of %d; entered %v", next, len(assertion.States), entered),
		Trace:    result.Trace,
	}
}

// assertStateAbsent checks that none of the states was entered.
func assertStateAbsent(result *Result, assertion Assertion) error {
	entered := result.Transitions()
	for _, s := range assertion.States {
		if slices.Contains(entered, s) {
			return &AssertionError{
				Type:     AssertStateAbsent,
				Expected: fmt.Sprintf("%s never entered", s),
				Actual:   fmt.Sprintf("entered %v", entered),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertFinalFlowState(result *Result, assertion Assertion) error {
	if result.FinalState == assertion.State {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalFlowState,
		Expected: assertion.State,
		Actual:   result.FinalState,
		Trace:    result.Trace,
	}
}

// assertUI compares UI fields by their JSON names (subset match).
func assertUI(result *Result, assertion Assertion) error {
	raw, err := json.Marshal(result.UI)
	if err != nil {
		return fmt.Errorf("encode ui: %w", err)
	}
	var actual map[string]any
	if err := json.Unmarshal(raw, &actual); err != nil {
		return fmt.Errorf("decode ui: %w", err)
	}

	for _, key := range sortedKeys(assertion.Expect) {
		want := assertion.Expect[key]
		got, ok := actual[key]
		if !ok && want == nil {
			continue
		}
		if !ok || !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertUI,
				Expected: fmt.Sprintf("ui %s = %v", key, want),
				Actual:   fmt.Sprintf("ui %s = %v", key, got),
			}
		}
	}
	return nil
}

func assertEventCount(result *Result, assertion Assertion) error {
	got := result.Events[assertion.Event]
	if got == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Expected: fmt.Sprintf("%d %s events", assertion.Count, assertion.Event),
		Actual:   fmt.Sprintf("%d events", got),
	}
}

// assertActionActed sums how often an action acted across the trace.
func assertActionActed(result *Result, assertion Assertion) error {
	acted := 0
	for _, ev := range result.Trace {
		if ev.Type == EventAction && ev.Name == assertion.Action {
			acted += ev.Acted
		}
	}
	if acted == assertion.Acted {
		return nil
	}
	return &AssertionError{
		Type:     AssertActionActed,
		Expected: fmt.Sprintf("%s acted %d times", assertion.Action, assertion.Acted),
		Actual:   fmt.Sprintf("acted %d times", acted),
		Trace:    result.Trace,
	}
}

// assertFinalState checks that exactly one stored row matches Where and
// holds the expected values.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Multiple matching rows make the assertion ambiguous.
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(assertion.Expect) {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are
// sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, float64:
		return val
	case bool:
		// Booleans are stored as 0/1.
		if val {
			return 1
		}
		return 0
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected YAML value with an actual value
// from SQLite or decoded JSON. Numbers compare by value whatever their
// Go type, booleans also match SQLite's 0/1, and maps match as subsets.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if exp, ok := asFloat(expected); ok {
		if act, ok := asFloat(actual); ok {
			return exp == act
		}
		return false
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case []byte:
			return exp == string(act)
		}
		return false
	case bool:
		if act, ok := actual.(bool); ok {
			return exp == act
		}
		if act, ok := actual.(int64); ok {
			return exp == (act != 0)
		}
		return false
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range exp {
			if !stateValuesEqual(v, act[k]) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !stateValuesEqual(exp[i], act[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(expected, actual)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertStateOrder:
			err = assertStateOrder(result, assertion)
		case AssertStateAbsent:
			err = assertStateAbsent(result, assertion)
		case AssertFinalFlowState:
			err = assertFinalFlowState(result, assertion)
		case AssertUI:
			err = assertUI(result, assertion)
		case AssertEventCount:
			err = assertEventCount(result, assertion)
		case AssertActionActed:
			err = assertActionActed(result, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
