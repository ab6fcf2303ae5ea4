// Package fsutil holds the small file-cleanup helpers shared by every
// package that creates a file and must remove it on any error path before
// the caller sees success (segment/control/cursor/tiering all follow the
// same create-populate-rename shape).
package fsutil

import "os"

// CloseAndRemoveUnlessOK closes f and removes its path unless *ok is true,
// for use in a defer right after a file is created.
func CloseAndRemoveUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

// CloseUnlessOK closes f unless *ok is true, for handles that must not be
// removed from disk (e.g. a pre-existing file opened for read) but must
// still not leak on an error path.
func CloseUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
}
