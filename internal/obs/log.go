package obs

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide logger. JSON output is used in
// production so log lines can be shipped as structured events; the text
// formatter is friendlier for local runs.
func NewLogger(json bool, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}
