// Package conf contains the constants that are used across packages for configuring
// versions, stack sizes, and the on-disk bytecode container format.
package conf

import (
	"fmt"
	"math"
	"time"
)

const (
	// BCMAGIC is written at the start of a dumped Prototype so undump can
	// detect binary data before trusting the rest of the header.
	BCMAGIC = 0x1C4C7561
	// BCVERSION is the bytecode container format version.
	BCVERSION = 0x10
	// VERSION is the version of the luaovm application.
	VERSION = "luaovm 0.1.0"
	// VERSIONMAJORN is the major version.
	VERSIONMAJORN = 0
	// VERSIONMINORN is the minor version.
	VERSIONMINORN = 1
	// VERSIONPATCHN is the patch version.
	VERSIONPATCHN = 0
	// INITIALSTACKSIZE is the stack size at vm startup.
	INITIALSTACKSIZE = 128
	// MAXSTACKSIZE is the max stack size.
	MAXSTACKSIZE = math.MaxInt64
	// MAXUPVALUES is the max allowed upvals referred to in a fn scope.
	MAXUPVALUES = 255
	// MAXLOCALS is the max allowed vars defined in a fn scope.
	MAXLOCALS = 200
	// MAXCONST is the max amount of consts that a Prototype can store.
	MAXCONST = 64_536
	// MAXINLINECONST is the max index that can be indexed with iABC.
	MAXINLINECONST = 255
	// MAXRESULTS is the max amount of return values.
	MAXRESULTS = 250
	// MAXCALLDEPTH bounds call-stack recursion.
	MAXCALLDEPTH = 200
	// GCPAUSE is the minimum number of objects before calling collection. Nothing
	// reads it: the Go GC manages collection and collectgarbage() does not report it.
	GCPAUSE = 200
)

// FullVersion returns the version and copyright.
func FullVersion() string {
	return fmt.Sprintf("%v Copyright (C) %v", VERSION, time.Now().Year())
}

// Copyright is the copyright to be written out in the CLI.
func Copyright() string {
	return fmt.Sprintf("Copyright (C) %v", time.Now().Year())
}
