package monitor

import "testing"

func TestEstimateMemory(t *testing.T) {
	history := map[string]*HistoryBuffer{
		"ab": NewHistoryBuffer(4),
	}
	history["ab"].Append(Sample{Value: "1234", Type: "int"})
	history["ab"].Append(Sample{Value: "12", Type: "int"})

	interned := map[string]string{"1234": "1234"}

	// Per sample: len(name) + len(value) + len(type) + overhead.
	want := (2 + 4 + 3 + sampleOverhead) + (2 + 2 + 3 + sampleOverhead) + 8
	if got := estimateMemory(history, interned); got != want {
		t.Errorf("estimateMemory = %d, want %d", got, want)
	}

	if got := estimateMemory(nil, nil); got != 0 {
		t.Errorf("empty estimate = %d, want 0", got)
	}
}
