// Package metrics declares the instrument types the supervisor reports to,
// so the core packages stay independent of a metrics backend. The
// adapters/prometheus package implements them.
package metrics

// Timer records the time elapsed since it was created when ObserveDuration
// is called:
//
//	defer m.CallDuration("execute-request").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

func NopTimer() Timer { return nopTimer{} }
