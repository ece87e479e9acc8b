package waynefs

import "github.com/sirupsen/logrus"

type Option func(fs *Filesystem) error

// WithLogger injects the logger used for mount, journal and recovery
// messages. The default is logrus' standard logger.
func WithLogger(log *logrus.Logger) Option {
	return func(fs *Filesystem) error {
		fs.log = log
		return nil
	}
}
