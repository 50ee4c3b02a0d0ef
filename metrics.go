package lockingfs

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// lockMetrics records lock activity of one LockingFilesystem.
type lockMetrics struct {
	set  *metrics.Set
	name string
}

func newLockMetrics(set *metrics.Set, name string) *lockMetrics {
	return &lockMetrics{set: set, name: name}
}

func (m *lockMetrics) acquired(mode Mode, wait time.Duration) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`lockingfs_lock_acquired_total{fs=%q,mode=%q}`, m.name, mode)).Inc()
	m.set.GetOrCreateHistogram(fmt.Sprintf(`lockingfs_lock_wait_seconds{fs=%q,mode=%q}`, m.name, mode)).Update(wait.Seconds())
}

func (m *lockMetrics) unavailable(mode Mode) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`lockingfs_lock_unavailable_total{fs=%q,mode=%q}`, m.name, mode)).Inc()
}

func (m *lockMetrics) unlockFailed(mode Mode) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`lockingfs_unlock_failed_total{fs=%q,mode=%q}`, m.name, mode)).Inc()
}
