// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package debug holds the collector's debug variables, set from the
// RBXDEBUG environment variable.
//
// RBXDEBUG is a comma-separated list of name=val pairs:
//
//	gctrace:  setting gctrace=1 makes the mature marker emit a single line
//	          to standard error at the end of each collection cycle.
//	markbatch: the number of units of work the marker drains between
//	          safepoint yields. Zero keeps the default.
//	stwwait:  microseconds a single stop-the-world attempt waits for
//	          threads to reach a safepoint before reporting failure.
package debug

import (
	"os"
	"strconv"
	"strings"
)

// Vars are the parsed debug variables.
type Vars struct {
	GCTrace   int32
	MarkBatch int32
	STWWait   int32
}

type dbgVar struct {
	name  string
	value func(v *Vars) *int32
}

var dbgvars = []dbgVar{
	{"gctrace", func(v *Vars) *int32 { return &v.GCTrace }},
	{"markbatch", func(v *Vars) *int32 { return &v.MarkBatch }},
	{"stwwait", func(v *Vars) *int32 { return &v.STWWait }},
}

// Parse parses a RBXDEBUG value. Unknown names and malformed fields are
// ignored; a later field overrides an earlier one.
func Parse(p string) Vars {
	var vars Vars
	for p != "" {
		field := ""
		i := strings.IndexByte(p, ',')
		if i < 0 {
			field, p = p, ""
		} else {
			field, p = p[:i], p[i+1:]
		}
		i = strings.IndexByte(field, '=')
		if i < 0 {
			continue
		}
		key, value := field[:i], field[i+1:]
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			continue
		}
		for _, v := range dbgvars {
			if v.name == key {
				*v.value(&vars) = int32(n)
			}
		}
	}
	return vars
}

// FromEnv parses the RBXDEBUG environment variable.
func FromEnv() Vars {
	return Parse(os.Getenv("RBXDEBUG"))
}
