package testutils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a suppressed logger. Setting
// GATTLINK_TEST_LOG to a logrus level sends logs to stderr instead.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if v := os.Getenv("GATTLINK_TEST_LOG"); v != "" {
		if level, err := logrus.ParseLevel(v); err == nil {
			logger.SetOutput(os.Stderr)
			logger.SetLevel(level)
		}
	}
	return &TestHelper{T: t, Logger: logger}
}

// LoadFixture reads a file relative to the project root, the first parent
// directory holding go.mod
func LoadFixture(relPath string) ([]byte, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	root := wd
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(root)
		if parent == root {
			return nil, fmt.Errorf("could not find project root (go.mod not found)")
		}
		root = parent
	}

	full := filepath.Join(root, relPath)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", full, err)
	}
	return data, nil
}
