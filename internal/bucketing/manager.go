package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// DayLayout is the partition key format for event days.
const DayLayout = "2006-01-02"

type Manager struct {
	employeeBuckets int
	eventBuckets    int
	hasherPool      sync.Pool
}

// Partition identifies the Scylla partition an employee's events for one day
// live in.
type Partition struct {
	EmployeeBucket int    `json:"employee_bucket"`
	Day            string `json:"day"`
}

func NewManager(employeeBuckets, eventBuckets int) *Manager {
	if employeeBuckets <= 0 {
		employeeBuckets = 1
	}
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	return &Manager{
		employeeBuckets: employeeBuckets,
		eventBuckets:    eventBuckets,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New64()
			},
		},
	}
}

// EmployeeBucket is stable for an employee across processes.
func (m *Manager) EmployeeBucket(employeeID string) int {
	return m.bucket(employeeID, m.employeeBuckets)
}

// EventBucket spreads lookups by event ID.
func (m *Manager) EventBucket(eventID string) int {
	return m.bucket(eventID, m.eventBuckets)
}

// Day returns the UTC calendar day used as the clustering partition.
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

func (m *Manager) Partition(employeeID string, t time.Time) Partition {
	return Partition{EmployeeBucket: m.EmployeeBucket(employeeID), Day: Day(t)}
}

// Partitions lists the partitions covering [since, until], oldest first.
func (m *Manager) Partitions(employeeID string, since, until time.Time) []Partition {
	bucket := m.EmployeeBucket(employeeID)
	start := since.UTC().Truncate(24 * time.Hour)
	end := until.UTC().Truncate(24 * time.Hour)

	var out []Partition
	for d := start; !d.After(end); d = d.Add(24 * time.Hour) {
		out = append(out, Partition{EmployeeBucket: bucket, Day: d.Format(DayLayout)})
	}
	return out
}

func (m *Manager) EmployeeBuckets() int {
	return m.employeeBuckets
}

func (m *Manager) bucket(key string, n int) int {
	return int(m.hash(key) % uint64(n))
}

func (m *Manager) hash(key string) uint64 {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	h.Write([]byte(key))
	return h.Sum64()
}
