package outputs

import (
	"fmt"
	"strings"
)

// Scope addresses one execution context of a check. The root run is "root";
// a forEach child of producer p at index i is "root/p#i", and scopes nest
// for chained fan-outs.
type Scope string

// Root is the scope of the top-level run.
const Root Scope = "root"

// Child derives the scope of a forEach iteration.
func (s Scope) Child(producer string, index int) Scope {
	return Scope(fmt.Sprintf("%s/%s#%d", s, producer, index))
}

// IsRoot reports whether the scope is the top-level run.
func (s Scope) IsRoot() bool { return s == Root }

// Parent returns the enclosing scope, or Root for the root scope.
func (s Scope) Parent() Scope {
	idx := strings.LastIndex(string(s), "/")
	if idx < 0 {
		return Root
	}
	return Scope(s[:idx])
}

func (s Scope) String() string { return string(s) }
