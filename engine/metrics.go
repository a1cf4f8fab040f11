package engine

// Metrics receives engine events. Implementations must be safe for
// concurrent use; the node reports from several goroutines.
type Metrics interface {
	// Committed counts an epoch this node aggregated and persisted itself.
	Committed(epoch uint64)
	// Adopted counts an epoch committed from a peer's announcement or sync.
	Adopted(epoch uint64)
	// Failed counts an epoch whose proof was rejected.
	Failed(epoch uint64)
	// Expired counts an epoch that timed out before threshold.
	Expired(epoch uint64)
	// ShareRejected counts share verdicts other than acceptance.
	ShareRejected(reason string)
	// Dropped counts messages discarded at admission.
	Dropped(reason string)
	// InFlight gauges the number of live epoch machines.
	InFlight(count int)
}

type nopMetrics struct{}

// NopMetrics discards all events.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) Committed(uint64)     {}
func (nopMetrics) Adopted(uint64)       {}
func (nopMetrics) Failed(uint64)        {}
func (nopMetrics) Expired(uint64)       {}
func (nopMetrics) ShareRejected(string) {}
func (nopMetrics) Dropped(string)       {}
func (nopMetrics) InFlight(int)         {}
