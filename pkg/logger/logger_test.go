package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return &Logger{Logger: zap.New(core), sugar: zap.New(core).Sugar()}, logs
}

func TestWithFieldRedactsSensitiveKeys(t *testing.T) {
	l, logs := newObservedLogger()
	l.WithField("password", "hunter2").Info("login attempt")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	ctxMap := entry.ContextMap()
	assert.Equal(t, redactedPlaceholder, ctxMap["password"])
}

func TestWithFieldPassesThroughNonSensitiveKeys(t *testing.T) {
	l, logs := newObservedLogger()
	l.WithField("job_id", int64(42)).Info("claimed job")

	require.Equal(t, 1, logs.Len())
	ctxMap := logs.All()[0].ContextMap()
	assert.EqualValues(t, 42, ctxMap["job_id"])
}

func TestWithFieldsRedactsEachSensitiveKeyIndependently(t *testing.T) {
	l, logs := newObservedLogger()
	l.WithFields(map[string]interface{}{
		"api_key": "sk-live-abc",
		"job_id":  int64(7),
		"token":   "eyJhbGciOi",
	}).Info("dispatching webhook")

	require.Equal(t, 1, logs.Len())
	ctxMap := logs.All()[0].ContextMap()
	assert.Equal(t, redactedPlaceholder, ctxMap["api_key"])
	assert.Equal(t, redactedPlaceholder, ctxMap["token"])
	assert.EqualValues(t, 7, ctxMap["job_id"])
}

func TestRedactValueIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, redactedPlaceholder, redactValue("Authorization", "Bearer xyz"))
	assert.Equal(t, redactedPlaceholder, redactValue("SECRET", "s3cr3t"))
	assert.Equal(t, "fine", redactValue("status", "fine"))
}
