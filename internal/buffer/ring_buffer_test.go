package buffer

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRingBufferBasics(t *testing.T) {
	rb := NewRingBuffer(8)

	if rb.Len() != 0 {
		t.Errorf("empty buffer Len = %d", rb.Len())
	}
	if rb.ReadAll() != nil {
		t.Error("empty buffer should read nil")
	}

	rb.Write([]byte("abc"))
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("abc")) {
		t.Errorf("ReadAll = %q, want abc", got)
	}

	rb.Write([]byte("defgh"))
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("abcdefgh")) {
		t.Errorf("ReadAll = %q, want abcdefgh", got)
	}

	// Next write wraps, discarding the oldest bytes.
	rb.Write([]byte("XY"))
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("cdefghXY")) {
		t.Errorf("ReadAll = %q, want cdefghXY", got)
	}
}

func TestRingBufferOversizeWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("0123456789"))
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("6789")) {
		t.Errorf("ReadAll = %q, want 6789", got)
	}
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("ab"))
	rb.Clear()
	if rb.Len() != 0 || rb.ReadAll() != nil {
		t.Error("Clear did not empty the buffer")
	}
	rb.Write([]byte("cd"))
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("cd")) {
		t.Errorf("ReadAll after Clear = %q, want cd", got)
	}
}

// The ring buffer always holds the suffix of everything written, bounded by
// its capacity.
func TestRingBufferSuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("contents equal bounded suffix of writes", prop.ForAll(
		func(chunks []string, capacity int) bool {
			if capacity <= 0 {
				capacity = 1
			}
			rb := NewRingBuffer(capacity)
			var all []byte
			for _, c := range chunks {
				rb.Write([]byte(c))
				all = append(all, c...)
			}
			want := all
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}
			got := rb.ReadAll()
			if len(want) == 0 {
				return got == nil
			}
			return bytes.Equal(got, want)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
