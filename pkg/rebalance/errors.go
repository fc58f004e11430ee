package rebalance

import "errors"

// ErrInvalidThresholds is returned when min_threshold exceeds max_threshold
// or either is negative. It is detected before classification.
var ErrInvalidThresholds = errors.New("invalid thresholds")
