package pipeline

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func feedLines(p *Pipeline, lines ...string) []string {
	var out []string
	for _, l := range lines {
		out = append(out, p.Feed([]byte(l+"\n"))...)
	}
	return out
}

func TestProgressCoalescing(t *testing.T) {
	p := New(Config{ProgressThreshold: 10})

	got := feedLines(p,
		"downloading 10%",
		"downloading 12%",
		"downloading 14%",
		"downloading 26%",
		"downloading 100%",
	)

	want := []string{
		"downloading 10%",
		"downloading 26%",
		"downloading 100%",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("coalesced lines = %v, want %v", got, want)
	}
}

func TestProgressFractionAndTransfer(t *testing.T) {
	p := New(Config{ProgressThreshold: 10})

	got := feedLines(p,
		"fetched 1/10",
		"fetched 2/10 objects", // 20%, +10 points, kept
		"fetched 3/10 objects", // would be kept too (threshold met exactly at 10)
	)
	if len(got) != 3 {
		t.Fatalf("fraction lines = %v", got)
	}

	p2 := New(Config{ProgressThreshold: 25})
	got2 := feedLines(p2,
		"12.5 MB / 100 MB",
		"20.0 MB / 100 MB", // +7.5 points, dropped
		"50.0 MB / 100 MB", // +37.5 points, kept
	)
	want2 := []string{"12.5 MB / 100 MB", "50.0 MB / 100 MB"}
	if !reflect.DeepEqual(got2, want2) {
		t.Errorf("transfer lines = %v, want %v", got2, want2)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	p := New(Config{DedupeWindow: 3})

	got := feedLines(p, "hello", "hello", "world", "hello", "other")
	want := []string{"hello", "world", "other"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deduped lines = %v, want %v", got, want)
	}
}

func TestDuplicateWindowEviction(t *testing.T) {
	p := New(Config{DedupeWindow: 2})

	// "a" is evicted from the window by "b" and "c", so it appends again.
	got := feedLines(p, "a", "b", "c", "a")
	want := []string{"a", "b", "c", "a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
}

func TestProtectedLinesBypassSuppression(t *testing.T) {
	p := New(Config{DedupeWindow: 4, ProgressThreshold: 50})

	got := feedLines(p,
		"error: disk full",
		"error: disk full", // duplicate, but protected
		"WARNING 10% corrupted",
		"WARNING 11% corrupted", // progress-like, but protected
	)
	if len(got) != 4 {
		t.Errorf("protected lines suppressed: %v", got)
	}
}

func TestCarriageReturnFoldsSpinner(t *testing.T) {
	p := New(Config{})

	out := p.Feed([]byte("spin |\rspin /\rspin -\rspin done\r\n"))
	if !reflect.DeepEqual(out, []string{"spin done"}) {
		t.Errorf("spinner lines = %v, want [spin done]", out)
	}
}

func TestCarriageReturnAcrossChunks(t *testing.T) {
	p := New(Config{})

	var out []string
	out = append(out, p.Feed([]byte("10%\r"))...)
	out = append(out, p.Feed([]byte("55%\r"))...)
	out = append(out, p.Feed([]byte("100%\r\n"))...)

	if !reflect.DeepEqual(out, []string{"100%"}) {
		t.Errorf("chunked CR lines = %v, want [100%%]", out)
	}
}

func TestFlushEmitsPending(t *testing.T) {
	p := New(Config{})

	if out := p.Feed([]byte("working...\r")); len(out) != 0 {
		t.Fatalf("unterminated line emitted early: %v", out)
	}
	out := p.Flush()
	if !reflect.DeepEqual(out, []string{"working..."}) {
		t.Errorf("Flush = %v, want [working...]", out)
	}
}

func TestFlushEmitsPartial(t *testing.T) {
	p := New(Config{})
	p.Feed([]byte("no newline here"))
	out := p.Flush()
	if !reflect.DeepEqual(out, []string{"no newline here"}) {
		t.Errorf("Flush = %v, want [no newline here]", out)
	}
}

// Feeding byte-by-byte must produce the same lines as feeding one chunk:
// chunk boundaries carry no meaning.
func TestChunkingInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("chunk boundaries do not change output", prop.ForAll(
		func(lines []string) bool {
			var input strings.Builder
			for i, l := range lines {
				input.WriteString(fmt.Sprintf("line %d: %s\n", i, l))
			}
			data := []byte(input.String())

			whole := New(Config{})
			wantOut := whole.Feed(append([]byte(nil), data...))
			wantOut = append(wantOut, whole.Flush()...)

			split := New(Config{})
			var gotOut []string
			for _, b := range data {
				gotOut = append(gotOut, split.Feed([]byte{b})...)
			}
			gotOut = append(gotOut, split.Flush()...)

			return reflect.DeepEqual(wantOut, gotOut)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
