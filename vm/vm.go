// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package vm provides an abstract snapshot machine interface for the rest
// of the system. It wraps the vmimpl package so that users only need to
// import vm.
package vm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/snapfuzz/snapfuzz/vm/vmimpl"

	// Import all machine implementations, so that users only need to import vm.
	_ "github.com/snapfuzz/snapfuzz/vm/sim"
	_ "github.com/snapfuzz/snapfuzz/vm/subproc"
)

type (
	Pool       = vmimpl.Pool
	Instance   = vmimpl.Instance
	Env        = vmimpl.Env
	StopInfo   = vmimpl.StopInfo
	StopReason = vmimpl.StopReason
)

const (
	StopExit    = vmimpl.StopExit
	StopCrash   = vmimpl.StopCrash
	StopTimeout = vmimpl.StopTimeout
	StopFault   = vmimpl.StopFault
)

var _ BootErrorer = vmimpl.BootError{}

type BootErrorer interface {
	BootError() (string, []byte)
}

// Create creates a machine pool that can be used to create individual
// machines.
func Create(typ string, env *Env) (Pool, error) {
	ctor := vmimpl.Types[typ]
	if ctor == nil {
		return nil, fmt.Errorf("unknown machine type %q (have: %v)",
			typ, strings.Join(Types(), ", "))
	}
	return ctor(env)
}

// Types returns all registered machine type names, sorted.
func Types() []string {
	types := make([]string, 0, len(vmimpl.Types))
	for typ := range vmimpl.Types {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
