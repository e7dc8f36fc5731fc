package bandwidth

import "time"

// Measurer times a single transfer and reports its throughput in bits per second.
type Measurer struct {
	now     func() time.Time
	start   time.Time
	started bool
}

func New() *Measurer {
	return &Measurer{now: time.Now}
}

func NewWithClock(now func() time.Time) *Measurer {
	return &Measurer{now: now}
}

func (m *Measurer) Start() {
	m.start = m.now()
	m.started = true
}

// Finish returns byteCount*8 divided by the seconds elapsed since Start.
// It returns 0 when Start was never called or no time has elapsed.
func (m *Measurer) Finish(byteCount int) int {
	if !m.started {
		return 0
	}
	elapsed := m.now().Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int(float64(byteCount) * 8 / elapsed)
}

// Average is the arithmetic mean of samples, or 0 for none.
func Average(samples []int) int {
	if len(samples) == 0 {
		return 0
	}
	total := 0
	for _, s := range samples {
		total += s
	}
	return total / len(samples)
}
