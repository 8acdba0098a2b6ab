// SPDX-License-Identifier: MIT
package spectral

import (
	"errors"
	"math"
	"sync"
	"testing"
)

const (
	testSize       = 1024
	testSampleRate = 44100
)

func sine(size int, bin float64, amp float64) []float32 {
	out := make([]float32, size)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*bin*float64(i)/float64(size)))
	}
	return out
}

func transformers(t testing.TB, opts Options) map[string]Transformer {
	t.Helper()
	out := map[string]Transformer{}
	for _, kind := range []string{KindGonum, KindGoDSP} {
		tr, err := New(kind, testSize, opts)
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		out[kind] = tr
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		size    int
		wantErr bool
	}{
		{"gonum", 4096, false},
		{"GoDSP", 4096, false},
		{"", 16, false},
		{"fftw", 4096, true},
		{"gonum", 1000, true},
		{"godsp", 0, true},
	}
	for _, tt := range tests {
		tr, err := New(tt.kind, tt.size, Options{})
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q, %d) error = %v, wantErr %v", tt.kind, tt.size, err, tt.wantErr)
			continue
		}
		if err == nil && tr.Size() != tt.size {
			t.Errorf("New(%q, %d).Size() = %d", tt.kind, tt.size, tr.Size())
		}
	}
}

func TestTransformShape(t *testing.T) {
	for name, tr := range transformers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			out, err := tr.Transform(sine(testSize, 10.3, 0.5))
			if err != nil {
				t.Fatalf("Transform: %v", err)
			}
			if len(out) != testSize+2 {
				t.Fatalf("len = %d, want %d", len(out), testSize+2)
			}
			if out[1] != 0 || out[len(out)-1] != 0 {
				t.Errorf("DC/Nyquist imaginary parts = %v/%v, want 0", out[1], out[len(out)-1])
			}
		})
	}
}

func TestTransformPeak(t *testing.T) {
	const bin = 32
	for name, tr := range transformers(t, Options{Gain: 2}) {
		t.Run(name, func(t *testing.T) {
			out, err := tr.Transform(sine(testSize, bin, 0.5))
			if err != nil {
				t.Fatalf("Transform: %v", err)
			}
			mags := Magnitudes(out, nil)
			peak := 0
			for i, m := range mags {
				if m > mags[peak] {
					peak = i
				}
			}
			if peak != bin {
				t.Errorf("peak at bin %d, want %d", peak, bin)
			}
			// amplitude 0.5 doubled by gain: |X[k]| = A*N/2
			want := 1.0 * testSize / 2
			if math.Abs(mags[bin]-want) > want*1e-3 {
				t.Errorf("peak magnitude = %.3f, want %.3f", mags[bin], want)
			}
		})
	}
}

func TestImplementationsAgree(t *testing.T) {
	opts := Options{Gain: 2, Window: Hann}
	trs := transformers(t, opts)
	in := sine(testSize, 17.7, 0.25)
	a, err := trs[KindGonum].Transform(in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := trs[KindGoDSP].Transform(in)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-3 {
			t.Fatalf("value %d: gonum %v, go-dsp %v", i, a[i], b[i])
		}
	}
}

func TestTransformRejectsBadInput(t *testing.T) {
	for name, tr := range transformers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			if _, err := tr.Transform(make([]float32, testSize-1)); !errors.Is(err, ErrFrameSize) {
				t.Errorf("short frame: err = %v, want ErrFrameSize", err)
			}
			in := make([]float32, testSize)
			in[5] = float32(math.NaN())
			if _, err := tr.Transform(in); !errors.Is(err, ErrInvalidSample) {
				t.Errorf("NaN frame: err = %v, want ErrInvalidSample", err)
			}
			in[5] = float32(math.Inf(1))
			if _, err := tr.Transform(in); !errors.Is(err, ErrInvalidSample) {
				t.Errorf("Inf frame: err = %v, want ErrInvalidSample", err)
			}
		})
	}
}

func TestTransformIsPure(t *testing.T) {
	tr, err := NewGonum(testSize, Options{Gain: 2})
	if err != nil {
		t.Fatal(err)
	}
	in := sine(testSize, 5, 0.5)
	orig := append([]float32(nil), in...)
	want, _ := tr.Transform(in)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				got, err := tr.Transform(in)
				if err != nil {
					t.Error(err)
					return
				}
				for i := range want {
					if got[i] != want[i] {
						t.Errorf("concurrent result differs at %d", i)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	for i := range in {
		if in[i] != orig[i] {
			t.Fatalf("input modified at %d", i)
		}
	}
}

func TestGonumAllocsOnlyOutput(t *testing.T) {
	tr, err := NewGonum(testSize, Options{Gain: 2})
	if err != nil {
		t.Fatal(err)
	}
	in := sine(testSize, 3, 0.5)
	_, _ = tr.Transform(in) // warm the pool

	allocs := testing.AllocsPerRun(100, func() {
		_, _ = tr.Transform(in)
	})
	if allocs > 1 {
		t.Errorf("Expected only the output frame to be allocated, got %.1f allocations", allocs)
	}
}

func TestParseWindowFunc(t *testing.T) {
	tests := []struct {
		in      string
		want    WindowFunc
		wantErr bool
	}{
		{"", None, false},
		{"none", None, false},
		{"Hanning", Hann, false},
		{"blackmannuttall", BlackmanNuttall, false},
		{"kaiser", None, true},
	}
	for _, tt := range tests {
		got, err := ParseWindowFunc(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseWindowFunc(%q) = %v, %v; want %v, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestBinFrequency(t *testing.T) {
	if got := BinFrequency(0, testSize, testSampleRate); got != 0 {
		t.Errorf("bin 0 = %v", got)
	}
	if got := BinFrequency(testSize/2, testSize, testSampleRate); got != testSampleRate/2 {
		t.Errorf("Nyquist bin = %v, want %v", got, testSampleRate/2)
	}
	if got := BinFrequency(testSize, testSize, testSampleRate); got != 0 {
		t.Errorf("out of range bin = %v, want 0", got)
	}
}

func BenchmarkTransform(b *testing.B) {
	in := sine(4096, 440.0*4096/testSampleRate, 0.5)
	for _, kind := range []string{KindGonum, KindGoDSP} {
		tr, err := New(kind, 4096, Options{Gain: 2})
		if err != nil {
			b.Fatal(err)
		}
		b.Run(kind, func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				_, _ = tr.Transform(in)
			}
		})
	}
}
