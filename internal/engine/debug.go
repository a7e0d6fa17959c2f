package engine

import (
	"log"
	"os"
	"strings"
)

var engineDebugEnabled = strings.EqualFold(os.Getenv("EDUASSIST_ENGINE_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if engineDebugEnabled {
		log.Printf(format, args...)
	}
}
