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

package errors

import (
	"errors"
)

// Is, As, New and Join forward to the standard library so callers can
// import this package as "errors".

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(message string) error { return errors.New(message) }

func Join(errs ...error) error { return errors.Join(errs...) }

// Type returns the ErrorType of the first classified error in err's tree,
// or "" if there is none.
func Type(err error) string {
	var classified ErrorClassifier
	if errors.As(err, &classified) {
		return classified.ErrorType()
	}
	return ""
}

// Hint returns the first non-empty hint in err's tree.
func Hint(err error) string {
	for err != nil {
		if h, ok := err.(Hinter); ok {
			if s := h.Hint(); s != "" {
				return s
			}
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range x.Unwrap() {
				if s := Hint(e); s != "" {
					return s
				}
			}
			return ""
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		default:
			return ""
		}
	}
	return ""
}
