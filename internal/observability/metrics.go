package observability

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters for HTTP traffic, sync jobs and notifications.
type Metrics struct {
	mu            sync.Mutex
	requestCount  map[string]int64
	errorCount    map[string]int64
	jobRuns       map[string]int64
	jobRecords    map[string]int64
	notifications map[string]int64
	lastRun       map[string]JobRun
}

// JobRun summarizes the latest run of one job.
type JobRun struct {
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	At        time.Time     `json:"at"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Requests      map[string]int64  `json:"requests"`
	Errors        map[string]int64  `json:"errors"`
	JobRuns       map[string]int64  `json:"job_runs"`
	JobRecords    map[string]int64  `json:"job_records"`
	Notifications map[string]int64  `json:"notifications"`
	LastRuns      map[string]JobRun `json:"last_runs"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount:  make(map[string]int64),
		errorCount:    make(map[string]int64),
		jobRuns:       make(map[string]int64),
		jobRecords:    make(map[string]int64),
		notifications: make(map[string]int64),
		lastRun:       make(map[string]JobRun),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + strconv.Itoa(status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordJobRun stores the outcome of one job run.
func (m *Metrics) RecordJobRun(job string, run JobRun) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobRuns[job+"|"+run.Status]++
	m.jobRecords[job+"|processed"] += int64(run.Processed)
	m.jobRecords[job+"|failed"] += int64(run.Failed)
	m.lastRun[job] = run
}

// RecordNotification counts notification outcomes (sent, duplicate, failed) per kind.
func (m *Metrics) RecordNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[kind+"|"+outcome]++
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make(map[string]JobRun, len(m.lastRun))
	for k, v := range m.lastRun {
		runs[k] = v
	}
	return Snapshot{
		Requests:      copyCounts(m.requestCount),
		Errors:        copyCounts(m.errorCount),
		JobRuns:       copyCounts(m.jobRuns),
		JobRecords:    copyCounts(m.jobRecords),
		Notifications: copyCounts(m.notifications),
		LastRuns:      runs,
	}
}

// JobNames lists jobs that have reported at least one run.
func (m *Metrics) JobNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.lastRun))
	for name := range m.lastRun {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
