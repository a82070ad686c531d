package log_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"pipelined.dev/dataflow/log"
)

func TestGetLogger(t *testing.T) {
	testLevel := func(env string, expected logrus.Level) func(*testing.T) {
		return func(t *testing.T) {
			t.Setenv(log.DebugEnv, env)
			assert.Equal(t, expected, log.GetLogger().GetLevel())
		}
	}
	t.Run("debug", testLevel("true", logrus.DebugLevel))
	t.Run("numeric", testLevel("1", logrus.DebugLevel))
	t.Run("disabled", testLevel("false", logrus.InfoLevel))
	t.Run("invalid", testLevel("verbose", logrus.InfoLevel))
	t.Run("empty", testLevel("", logrus.InfoLevel))
}

func TestSilent(t *testing.T) {
	l := log.Silent()
	assert.NotPanics(t, func() { l.WithField("node", "gain").Error("discarded") })
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}
