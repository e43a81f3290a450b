package patch

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/ollama/stepcache/logutil"
)

// Path returns an accessor function that follows snake_case attribute
// segments from a host handle and yields the object at the end of the path
// if it is a Unit.
//
// A segment resolves, in order, to a zero-argument method named after the
// segment in CamelCase (diffusion_model -> DiffusionModel), an exported
// struct field of that name, or a map[string]any entry keyed by the segment.
// Nil pointers, missing attributes and panics raised by host methods all
// count as not found.
func Path(segments ...string) func(any) (Unit, bool) {
	return func(handle any) (unit Unit, ok bool) {
		defer func() {
			if r := recover(); r != nil {
				logutil.Trace("attribute probe panicked", "path", strings.Join(segments, "."), "panic", r)
				unit, ok = nil, false
			}
		}()

		v := handle
		for _, segment := range segments {
			next, found := attr(v, segment)
			if !found {
				return nil, false
			}
			v = next
		}

		unit, ok = v.(Unit)
		return unit, ok
	}
}

// attr resolves a single attribute of v.
func attr(v any, name string) (any, bool) {
	if v == nil {
		return nil, false
	}

	if m, ok := v.(map[string]any); ok {
		next, ok := m[name]
		return next, ok && next != nil
	}

	goName := camel(name)
	rv := reflect.ValueOf(v)

	if method := rv.MethodByName(goName); method.IsValid() {
		if t := method.Type(); t.NumIn() == 0 && t.NumOut() == 1 {
			return present(method.Call(nil)[0])
		}
	}

	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		return nil, false
	}

	field, ok := rv.Type().FieldByName(goName)
	if !ok || !field.IsExported() {
		return nil, false
	}

	return present(rv.FieldByIndex(field.Index))
}

// present unwraps rv, treating nil references as absent.
func present(rv reflect.Value) (any, bool) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return nil, false
		}
	case reflect.Invalid:
		return nil, false
	}

	if !rv.CanInterface() {
		return nil, false
	}
	return rv.Interface(), true
}

// camel converts a snake_case attribute name to an exported Go identifier.
func camel(name string) string {
	var sb strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		r := []rune(part)
		r[0] = unicode.ToUpper(r[0])
		sb.WriteString(string(r))
	}
	return sb.String()
}
