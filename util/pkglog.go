package util

import (
	log "github.com/sirupsen/logrus"
)

// NewPackageLogger returns the entry a package logs through, tagged with its name.
func NewPackageLogger(pkg string) *log.Entry {
	return log.WithFields(log.Fields{"pkg": pkg})
}
