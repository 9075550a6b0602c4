package log

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatterText(t *testing.T) {
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "Replica not reachable",
		Data: logrus.Fields{
			"role":  "secondary",
			"addr":  "10.0.0.3:6379",
			"error": errors.New("connection refused"),
		},
	}

	out, err := NewFormatter(false).Format(entry)
	require.NoError(t, err)
	assert.Equal(t,
		"2024-05-01 12:30:00.000 [WARNING] Replica not reachable addr=10.0.0.3:6379 error=\"connection refused\" role=secondary\n",
		string(out))
}

func TestFormatterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(NewFormatter(true))

	logger.WithField("count", 1000).Info("Write batch completed")

	assert.Contains(t, buf.String(), `"count":1000`)
	assert.Contains(t, buf.String(), `"msg":"Write batch completed"`)
}

func TestFormatterEmptyValue(t *testing.T) {
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Now(),
		Level:   logrus.InfoLevel,
		Message: "x",
		Data:    logrus.Fields{"prefix": ""},
	}
	out, err := (&Formatter{}).Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), `prefix=""`)
}
