package configtest

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// yaml keys double as generated CLI flag names
var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

type tagChecker struct {
	visited map[reflect.Type]bool
	errs    error
}

func (c *tagChecker) fail(path string, format string, args ...any) {
	c.errs = multierr.Append(c.errs, fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)))
}

func (c *tagChecker) walk(path string, t reflect.Type) {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || c.visited[t] {
		return
	}
	c.visited[t] = true

	for _, field := range reflect.VisibleFields(t) {
		if !field.IsExported() || len(field.Index) > 1 {
			continue
		}

		tag, ok := field.Tag.Lookup("yaml")
		if !ok {
			c.fail(path+"."+field.Name, "missing yaml tag")
			continue
		}
		key, opts, _ := strings.Cut(tag, ",")
		options := strings.Split(opts, ",")
		if key == "-" {
			continue
		}
		if slices.Contains(options, "inline") {
			continue
		}

		fieldPath := path + "." + key
		if !keyPattern.MatchString(key) {
			c.fail(path+"."+field.Name, "yaml key %q is not snake_case", key)
			fieldPath = path + "." + field.Name
		}
		if field.Type.Kind() != reflect.Bool && field.Tag.Get("config") != "allowempty" && !slices.Contains(options, "omitempty") {
			c.fail(fieldPath, "missing omitempty")
		}

		c.walk(fieldPath, field.Type)
	}
}

// CheckYAMLTags reports every field of config, nested structs included,
// whose yaml tag lacks a snake_case key or omitempty.
func CheckYAMLTags(config any) error {
	t := reflect.TypeOf(config)
	c := &tagChecker{visited: make(map[reflect.Type]bool)}
	c.walk(t.Name(), t)
	return c.errs
}
