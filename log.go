// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detour

import (
	"io/ioutil"
	"log"
	"os"
)

// Verbose, when set before any Hook is constructed, routes the core's
// trace logging to stderr instead of discarding it.
var Verbose = false

var logger *log.Logger

// verboseWriter reads Verbose on every write, so the switch takes effect
// whenever it is set, not only at package initialization.
type verboseWriter struct{}

func (verboseWriter) Write(p []byte) (int, error) {
	if !Verbose {
		return ioutil.Discard.Write(p)
	}
	return os.Stderr.Write(p)
}

func init() {
	logger = log.New(verboseWriter{}, "detour: ", log.Lshortfile)
}
