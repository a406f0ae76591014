package patchbay

import _ "embed"

// Version is the release of the daemon.
//
//go:embed VERSION
var Version string
