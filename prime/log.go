package prime

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "prime")
