package testutils

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// LogLevelEnv overrides the level of test loggers, e.g. IONLINK_TEST_LOG=trace.
const LogLevelEnv = "IONLINK_TEST_LOG"

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper whose logger writes through t.Log, so
// output is attributed to the test and only shown for failures or -v.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	w := &testWriter{t: t}
	t.Cleanup(w.close)
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	if lvl, err := logrus.ParseLevel(os.Getenv(LogLevelEnv)); err == nil {
		logger.SetLevel(lvl)
	}
	return &TestHelper{T: t, Logger: logger}
}

// testWriter drops output once the test has finished; background
// goroutines may still log while they wind down.
type testWriter struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

func (w *testWriter) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}
