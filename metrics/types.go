// Package metrics records engine counters, gauges and stopwatches into a
// prometheus registry. Metric names are "<group>_<name>" with dots in the
// group replaced by underscores; dimensions become labels.
package metrics

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs.
// Dimensions add contextual information such as the fault kind or the
// message name.
type Dimension map[string]string
