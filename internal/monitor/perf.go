package monitor

// PerfConfig bounds the engine's memory footprint.
type PerfConfig struct {
	// Enabled turns memory bounding on.
	Enabled bool

	// MaxMemoryBytes is the estimated footprint above which history is
	// trimmed. Zero disables trimming even when Enabled is set.
	MaxMemoryBytes int
}

// sampleOverhead is the fixed per-sample cost added on top of string
// payloads when estimating memory use.
const sampleOverhead = 64

// estimateMemory approximates the footprint of history buffers and the
// value interning cache: string payload lengths plus a fixed per-sample
// overhead.
func estimateMemory(history map[string]*HistoryBuffer, interned map[string]string) int {
	total := 0

	for name, buf := range history {
		for _, s := range buf.Samples(0) {
			total += len(name) + len(s.Value) + len(s.Type) + sampleOverhead
		}
	}

	for k, v := range interned {
		total += len(k) + len(v)
	}

	return total
}
