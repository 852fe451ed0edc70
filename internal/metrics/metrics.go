// Package metrics defines the scalar sink interface the training loop reports
// through. Sinks are for observability only; nothing in the loop depends on
// them for correctness.
package metrics

import (
	"sync"

	"k8s.io/klog/v2"
)

// Sink receives named scalar values tagged with a progress step.
type Sink interface {
	Emit(name string, value float64, step int)
}

// Klog logs every scalar with klog at verbosity 1.
type Klog struct{}

// Emit implements Sink.
func (Klog) Emit(name string, value float64, step int) {
	klog.V(1).Infof("metric %s=%g step=%d", name, value, step)
}

// Point is one recorded scalar.
type Point struct {
	Name  string
	Value float64
	Step  int
}

// Memory records every emitted scalar, for tests and in-process inspection.
// Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	points []Point
}

// Emit implements Sink.
func (m *Memory) Emit(name string, value float64, step int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, Point{Name: name, Value: value, Step: step})
}

// Points returns a copy of everything recorded so far.
func (m *Memory) Points() []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Point(nil), m.points...)
}

// Multi fans every scalar out to several sinks.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(name string, value float64, step int) {
	for _, s := range m {
		s.Emit(name, value, step)
	}
}
