package util

import "io"

var closeLog = NewPackageLogger("util")

// Close closes thing and logs a failure instead of returning it.
func Close(thing io.Closer) {
	if thing == nil {
		return
	}
	if err := thing.Close(); err != nil {
		closeLog.Warnf("[util:Close] closing %T: %v", thing, err)
	}
}
