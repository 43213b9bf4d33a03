// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Set this to true when BIRDWATCH_DEBUG env var is set.
var development bool

func init() {
	_, dbgEnv := os.LookupEnv("BIRDWATCH_DEBUG")
	development = dbgEnv
}

// logf logs audit-log debugging at a higher level so it sticks out w/o
// enabling the debug firehose if BIRDWATCH_DEBUG env var is set.
func logf(format string, args ...interface{}) {
	if development {
		logrus.Infof(format, args...)
	} else {
		logrus.Debugf(format, args...)
	}
}
