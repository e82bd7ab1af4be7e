package metrics

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const _namespace = "gamenet"

var (
	_registry = prometheus.NewRegistry()
	_vecs     sync.Map // vecKey -> collector
)

type vecKey struct {
	kind   byte
	name   string
	labels string
}

// Registry returns the registry all metrics are recorded into.
func Registry() *prometheus.Registry {
	return _registry
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry, promhttp.HandlerOpts{})
}

func metricName(group, name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	if group == "" {
		return r.Replace(name)
	}
	return r.Replace(group) + "_" + r.Replace(name)
}

func splitDims(dims map[string]string) ([]string, prometheus.Labels) {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, prometheus.Labels(dims)
}

// register stores c under key, falling back to the collector registered
// first when two callers race, and to an unexported collector when the name
// already exists with a different label set.
func register[T prometheus.Collector](key vecKey, build func() T) T {
	if v, ok := _vecs.Load(key); ok {
		return v.(T)
	}
	c := build()
	actual, loaded := _vecs.LoadOrStore(key, c)
	if loaded {
		return actual.(T)
	}
	if err := _registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				_vecs.Store(key, existing)
				return existing
			}
		}
	}
	return c
}

func counterVec(group, name string, labels []string) *prometheus.CounterVec {
	fq := metricName(group, name)
	return register(vecKey{'c', fq, strings.Join(labels, ",")}, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      fq,
			Help:      fq,
		}, labels)
	})
}

func gaugeVec(group, name string, labels []string) *prometheus.GaugeVec {
	fq := metricName(group, name)
	return register(vecKey{'g', fq, strings.Join(labels, ",")}, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: _namespace,
			Name:      fq,
			Help:      fq,
		}, labels)
	})
}

func histogramVec(group, name string, labels []string) *prometheus.HistogramVec {
	fq := metricName(group, name) + "_seconds"
	return register(vecKey{'h', fq, strings.Join(labels, ",")}, func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace,
			Name:      fq,
			Help:      fq,
			Buckets:   prometheus.DefBuckets,
		}, labels)
	})
}

// IncrCounterWithGroup adds v to the counter group_name.
func IncrCounterWithGroup(group, name string, v Value) {
	counterVec(group, name, nil).WithLabelValues().Add(float64(v))
}

// IncrCounterWithDimGroup adds v to the counter group_name{dims}.
func IncrCounterWithDimGroup(group, name string, v Value, dims map[string]string) {
	keys, labels := splitDims(dims)
	counterVec(group, name, keys).With(labels).Add(float64(v))
}

// UpdateGaugeWithGroup sets the gauge group_name to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	gaugeVec(group, name, nil).WithLabelValues().Set(float64(v))
}

// AddGaugeWithGroup adds delta to the gauge group_name.
func AddGaugeWithGroup(group, name string, delta Value) {
	gaugeVec(group, name, nil).WithLabelValues().Add(float64(delta))
}

// RecordStopwatchWithGroup observes the time elapsed since start.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	histogramVec(group, name, nil).WithLabelValues().Observe(time.Since(start).Seconds())
}

// RecordStopwatchWithDimGroup observes the time elapsed since start with dimensions.
func RecordStopwatchWithDimGroup(group, name string, start time.Time, dims map[string]string) {
	keys, labels := splitDims(dims)
	histogramVec(group, name, keys).With(labels).Observe(time.Since(start).Seconds())
}
