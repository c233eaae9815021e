package testutil

import (
	"log"
	"os"
	"testing"

	"github.com/npezzotti/go-dmchat/internal/logging"
)

// TestLogger returns a std logger backed by zerolog, tagged with the test name.
func TestLogger(t *testing.T) *log.Logger {
	zl := logging.New(logging.Config{Level: "debug", Pretty: true, Out: os.Stdout})
	return logging.StdLogger(zl, t.Name())
}
