// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package guest holds the workloads that run inside a machine. A workload
// is an ordinary function driving the harness control points in a loop;
// machines look workloads up by name and give each guest epoch its own
// invocation.
package guest

import (
	"context"
	"fmt"
	"sort"

	"github.com/snapfuzz/snapfuzz/pkg/harness"
)

// Func is a guest workload. It must call Enter/Exit in strict alternation
// and unwind promptly once ctx is cancelled or a harness call returns
// harness.ErrStopped.
type Func func(ctx context.Context, g *harness.Guest) error

var guests = make(map[string]Func)

// Register makes a workload available under the given name.
// The name is referenced from campaign configs.
func Register(name string, fn Func) {
	if _, ok := guests[name]; ok {
		panic(fmt.Sprintf("duplicate guest workload %q", name))
	}
	guests[name] = fn
}

// Lookup returns the workload registered under name, or nil.
func Lookup(name string) Func {
	return guests[name]
}

// Names returns all registered workload names, sorted.
func Names() []string {
	names := make([]string, 0, len(guests))
	for name := range guests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
