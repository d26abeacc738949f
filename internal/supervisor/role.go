/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package supervisor starts the three agents of a run and hands each one the
// typed description of the shared resources it attaches to.
//
// The bulk producer creates the segment and gate and spawns the fast
// producer; the fast producer attaches and spawns the consumer. Every child
// is the same executable started with -role and a Handoff in HandoffEnv.
package supervisor

import "fmt"

// Role selects which agent a process runs.
type Role string

const (
	RoleBulk     Role = "bulk"
	RoleFast     Role = "fast"
	RoleConsumer Role = "consumer"
)

// ParseRole parses a -role flag value.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleBulk, RoleFast, RoleConsumer:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q: want bulk, fast or consumer", s)
	}
}

// Next returns the role this role spawns, if any.
func (r Role) Next() (Role, bool) {
	switch r {
	case RoleBulk:
		return RoleFast, true
	case RoleFast:
		return RoleConsumer, true
	default:
		return "", false
	}
}

func (r Role) String() string { return string(r) }
