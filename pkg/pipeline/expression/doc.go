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

// Package expression evaluates stage condition predicates.
//
// Conditions are expr-lang boolean expressions evaluated against the run
// context:
//
//	inputs.branch == "main"
//	tasks.install.outcome == "success"
//	stages.test.outcome != "skipped" && attempt < 2
//	has(inputs.targets, "linux")
//
// Compiled programs are cached per expression string.
//
// Note: expr reserves "contains" as a string operator, so use "in" or
// has() for collection membership.
package expression
