// Package logging configures the process-wide structured logger.
package logging

import (
	"os"

	"github.com/phuslu/log"
)

// Setup configures the default phuslu logger from the configured level.
// Dev environments get a colorized console writer; everything else emits
// JSON to stderr for log shippers.
func Setup(level, env string) {
	log.DefaultLogger.Level = log.ParseLevel(level)
	if env == "dev" {
		log.DefaultLogger.Writer = &log.ConsoleWriter{
			ColorOutput:    true,
			EndWithMessage: true,
		}
		return
	}
	log.DefaultLogger.Writer = log.IOWriter{Writer: os.Stderr}
}
