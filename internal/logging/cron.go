package logging

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CronLogger adapts a logrus logger to cron.Logger. cron's informational
// messages are logged at debug level.
func CronLogger(log logrus.FieldLogger) cron.Logger {
	return cronLogger{log: log}
}

type cronLogger struct {
	log logrus.FieldLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = kv[i+1]
	}
	return out
}
