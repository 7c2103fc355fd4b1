package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// CreateSimulatedPeripheral starts a builder for a peripheral with the given id.
func CreateSimulatedPeripheral(id string) *PeripheralBuilder {
	return NewPeripheralBuilder(id)
}

// CreateSimulatedPeripheralFromJSON starts a builder from a JSON profile.
func CreateSimulatedPeripheralFromJSON(id, jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	return NewPeripheralBuilder(id).FromJSON(jsonStrFmt, args...)
}

// HeartRatePeripheral is the profile most tests run against: a heart rate service with a
// notifying measurement and a writable control point, plus a battery service.
func HeartRatePeripheral(id string) *PeripheralBuilder {
	return CreateSimulatedPeripheralFromJSON(id, `{
		"name": "HR Sensor",
		"rssi": -42,
		"services": [
			{
				"uuid": "180d",
				"characteristics": [
					{ "uuid": "2a37", "properties": "read,notify", "value": [0, 72] },
					{ "uuid": "2a39", "properties": "write,write-without-response", "value": [0] }
				]
			},
			{
				"uuid": "180f",
				"characteristics": [
					{ "uuid": "2a19", "properties": "read,notify", "value": [87] }
				]
			}
		]
	}`)
}

// LoadScript reads a file relative to the project root (the directory holding go.mod).
func LoadScript(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}

	return string(data), nil
}
