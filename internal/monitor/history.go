package monitor

import "time"

// Sample is one recorded observation of a variable.
type Sample struct {
	// Timestamp is when the sample was taken.
	Timestamp time.Time

	// Value is the textual representation at that moment.
	Value string

	// Type is the reported type.
	Type string

	// Handle is the opaque reference of the sampled variable.
	Handle int

	// ChangeRate is the numeric derivative against the previous sample,
	// valid only when HasRate is set.
	ChangeRate float64

	// HasRate indicates both this and the previous sample parsed as
	// numbers with positive elapsed time between them.
	HasRate bool
}

// HistoryBuffer is a bounded FIFO of samples for one variable. When
// full, appending evicts the oldest sample.
type HistoryBuffer struct {
	samples []Sample
	max     int
	start   int
	count   int
}

// NewHistoryBuffer creates a buffer bounded to max samples.
func NewHistoryBuffer(max int) *HistoryBuffer {
	if max <= 0 {
		max = 1
	}
	return &HistoryBuffer{
		samples: make([]Sample, max),
		max:     max,
	}
}

// Append records a sample, evicting the oldest when at capacity.
func (b *HistoryBuffer) Append(s Sample) {
	if b.count < b.max {
		b.samples[(b.start+b.count)%b.max] = s
		b.count++
		return
	}
	b.samples[b.start] = s
	b.start = (b.start + 1) % b.max
}

// Len returns the number of buffered samples.
func (b *HistoryBuffer) Len() int {
	return b.count
}

// Last returns the most recent sample, if any.
func (b *HistoryBuffer) Last() (Sample, bool) {
	if b.count == 0 {
		return Sample{}, false
	}
	return b.samples[(b.start+b.count-1)%b.max], true
}

// Samples returns up to maxSamples of the most recent samples in
// chronological order. maxSamples <= 0 returns everything.
func (b *HistoryBuffer) Samples(maxSamples int) []Sample {
	n := b.count
	if maxSamples > 0 && maxSamples < n {
		n = maxSamples
	}

	out := make([]Sample, n)
	offset := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.samples[(b.start+offset+i)%b.max]
	}
	return out
}

// TrimTo discards the oldest samples until at most n remain.
func (b *HistoryBuffer) TrimTo(n int) {
	if n < 0 {
		n = 0
	}
	if b.count <= n {
		return
	}
	drop := b.count - n
	b.start = (b.start + drop) % b.max
	b.count = n
}
