// Package itrc implements the intrusion tolerant reliable channel that
// wraps the ordering engine: threshold aggregation of client
// submissions before ordering, threshold-signed replies after ordering,
// encrypted checkpointing, and checkpoint-based update transfer for
// recovering replicas.
package itrc

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "itrc")
