package kfmt

import "github.com/sirupsen/logrus"

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sinkWriter{})
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Logger returns a structured logger whose entries are tagged with the name
// of the kernel module that emits them.
func Logger(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// SetLogLevel adjusts the verbosity of all module loggers. Valid levels are
// the ones understood by logrus.ParseLevel.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logger.SetLevel(lvl)
	return nil
}
