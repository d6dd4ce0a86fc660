package secchan

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// We use this environment variable to control logging.  It should be a
// comma-separated list of log tags (see below) or "*" to enable all logging.
const logConfigVar = "SECCHAN_LOG"

// Pre-defined log types
const (
	logTypeHandshake = "handshake"
	logTypeIO        = "io"
	logTypeBuffer    = "buffer"
	logTypeClose     = "close"
	logTypeTask      = "task"
	logTypeVerbose   = "verbose"
)

var (
	logFunction = log.Printf
	logAll      = false
	logSettings = map[string]bool{}
)

func init() {
	parseLogEnv(os.Environ())
}

func parseLogEnv(env []string) {
	for _, stmt := range env {
		if !strings.HasPrefix(stmt, logConfigVar+"=") {
			continue
		}
		val := stmt[len(logConfigVar)+1:]
		if val == "*" {
			logAll = true
			continue
		}
		for _, t := range strings.Split(val, ",") {
			logSettings[strings.TrimSpace(t)] = true
		}
	}
}

func logEnabled(logType string) bool {
	return logAll || logSettings[logType]
}

func logf(logType string, format string, args ...interface{}) {
	if logEnabled(logType) {
		fullFormat := fmt.Sprintf("[%s] %s", logType, format)
		logFunction(fullFormat, args...)
	}
}
