package dbutil

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ParamSummary returns a privacy-conscious summary of a parameter for error
// messages and logs. It avoids leaking actual values while keeping useful
// debugging signals.
//
// Rules:
// - name=null for nil or nil pointers
// - name=empty for empty strings
// - name=len=N for non-empty strings or slices/arrays
// - name=V for integers, floats, booleans
// - name=zero-time or name=non-zero-time for time.Time
// - For other kinds, returns name=<kind>
func ParamSummary(name string, v any) string {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return name + "=null"
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return name + "=null"
		}
		rv = rv.Elem()
	}
	if rv.Type() == reflect.TypeOf(time.Time{}) {
		tt := rv.Interface().(time.Time)
		if tt.IsZero() {
			return name + "=zero-time"
		}
		return name + "=non-zero-time"
	}
	switch rv.Kind() {
	case reflect.String:
		if rv.Len() == 0 {
			return name + "=empty"
		}
		return fmt.Sprintf("%s=len=%d", name, rv.Len())
	case reflect.Slice, reflect.Array, reflect.Map:
		return fmt.Sprintf("%s=len=%d", name, rv.Len())
	case reflect.Bool:
		return fmt.Sprintf("%s=%t", name, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%s=%d", name, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return fmt.Sprintf("%s=%d", name, rv.Uint())
	case reflect.Float32, reflect.Float64:
		return fmt.Sprintf("%s=%g", name, rv.Float())
	default:
		return fmt.Sprintf("%s=%s", name, rv.Kind().String())
	}
}

// ErrWrap returns a formatted error with an operation label and optional summaries.
// Example: ErrWrap("relational.purge", err, ParamSummary("table", table))
func ErrWrap(op string, err error, parts ...string) error {
	if err == nil {
		return nil
	}
	if len(parts) == 0 {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w; %s", op, err, strings.Join(parts, ","))
}
