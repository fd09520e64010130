// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expression

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
)

// helpers returns the functions available to every condition.
func helpers() []expr.Option {
	return []expr.Option{
		expr.Function("has", has),
		expr.Function("includes", has),
		expr.Function("length", length),
	}
}

// has reports whether a collection holds target: slice elements, map
// keys or a substring.
//
//	has(inputs.targets, "linux")
//	has(tasks, "install")
func has(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has expects 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
	case reflect.Map:
		key := reflect.ValueOf(target)
		if key.IsValid() && key.Type().AssignableTo(v.Type().Key()) {
			return v.MapIndex(key).IsValid(), nil
		}
	case reflect.String:
		if s, ok := target.(string); ok && s != "" {
			return strings.Contains(v.String(), s), nil
		}
	}
	return false, nil
}

// length returns the size of a collection or string; nil is 0.
func length(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length expects 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	}
	return nil, fmt.Errorf("length: unsupported type %T", args[0])
}
