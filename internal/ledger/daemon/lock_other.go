//go:build !unix && !windows

package daemon

import "os"

// Platforms without advisory locks get no single-instance protection.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
