// Package resolver substitutes {{a.b.c}} placeholders with values looked up in a
// context object. Unresolved placeholders are left in the output verbatim.
package resolver

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve walks ctx along the dot-separated path and returns the value found.
// ok is false when a segment is missing, an intermediate value cannot be
// indexed, or the value found is nil.
func Resolve(path string, ctx interface{}) (value interface{}, ok bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	cur := ctx
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		cur, ok = index(cur, seg)
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Substitute replaces every {{path}} in text with the value of path in ctx.
func Substitute(text string, ctx interface{}) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		if len(m) < 2 {
			return token
		}
		v, ok := Resolve(m[1], ctx)
		if !ok {
			return token
		}
		return fmt.Sprint(v)
	})
}

// Paths returns the placeholder paths referenced by text, in order of appearance.
func Paths(text string) []string {
	var out []string
	for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// Renderer adapts the package functions to an interface value.
type Renderer struct{}

// Substitute implements the template rendering capability used by action blocks.
func (Renderer) Substitute(text string, ctx map[string]interface{}) string {
	return Substitute(text, ctx)
}

func index(cur interface{}, seg string) (interface{}, bool) {
	switch c := cur.(type) {
	case nil:
		return nil, false
	case map[string]interface{}:
		v, ok := c[seg]
		return v, ok
	case map[string]string:
		v, ok := c[seg]
		return v, ok
	case []interface{}:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	}

	rv := reflect.ValueOf(cur)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	case reflect.Struct:
		f := rv.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, seg)
		})
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	}
	return nil, false
}
