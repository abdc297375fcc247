package testutils

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// NewTestLogger creates the logger used by tests. Debug output is enabled
// when BLEPROXY_TEST_DEBUG is set to a true value.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if debug, _ := strconv.ParseBool(os.Getenv("BLEPROXY_TEST_DEBUG")); debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
