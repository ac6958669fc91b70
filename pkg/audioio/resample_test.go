package audioio

import (
	"math"
	"testing"
)

func TestResample(t *testing.T) {
	tests := []struct {
		name     string
		in       int
		from, to int
		wantLen  int
	}{
		{"same rate", 480, 24000, 24000, 480},
		{"downsample 2:1", 960, 48000, 24000, 480},
		{"upsample 2:3", 320, 16000, 24000, 480},
		{"44.1k to 22.05k", 882, 44100, 22050, 441},
		{"invalid rate is passthrough", 100, 0, 24000, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := make([]int16, tt.in)
			for i := range samples {
				samples[i] = int16(i)
			}
			if got := len(Resample(samples, tt.from, tt.to)); got != tt.wantLen {
				t.Errorf("len = %d, want %d", got, tt.wantLen)
			}
		})
	}
}

func TestResample_Empty(t *testing.T) {
	if len(Resample(nil, 24000, 48000)) != 0 {
		t.Error("Expected empty result for nil input")
	}
	if len(Resample([]int16{}, 24000, 48000)) != 0 {
		t.Error("Expected empty result for empty input")
	}
}

func TestBytesSamplesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 0x1234}
	got := BytesToSamples(SamplesToBytes(samples))
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], samples[i])
		}
	}

	// Trailing odd byte is ignored
	if n := len(BytesToSamples([]byte{1, 2, 3})); n != 1 {
		t.Errorf("expected 1 sample from 3 bytes, got %d", n)
	}
}

func TestDownmixUpmix(t *testing.T) {
	stereo := []int16{100, 200, -100, -300}
	mono := Downmix(stereo, 2)
	if len(mono) != 2 || mono[0] != 150 || mono[1] != -200 {
		t.Errorf("Downmix = %v", mono)
	}

	up := Upmix([]int16{5, 6}, 2)
	want := []int16{5, 5, 6, 6}
	for i := range want {
		if up[i] != want[i] {
			t.Fatalf("Upmix = %v, want %v", up, want)
		}
	}

	if got := Downmix(stereo, 1); len(got) != len(stereo) {
		t.Error("Downmix with one channel should be passthrough")
	}
}

func TestConform(t *testing.T) {
	in := AudioChunk{Samples: make([]int16, 960*2), SampleRate: 48000, Channels: 2}
	out := Conform(in, 24000, 1)

	if out.SampleRate != 24000 || out.Channels != 1 {
		t.Fatalf("format = %d/%d", out.SampleRate, out.Channels)
	}
	if len(out.Samples) != 480 {
		t.Errorf("samples = %d, want 480", len(out.Samples))
	}
}

func TestFloatToPCM(t *testing.T) {
	tests := []struct {
		in   float64
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32767},
		{2, 32767},
		{-3, -32767},
	}
	for _, tt := range tests {
		if got := FloatToPCM(tt.in); got != tt.want {
			t.Errorf("FloatToPCM(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCalculateRMS(t *testing.T) {
	if rms := CalculateRMS([]int16{0, 0, 0}); rms != 0 {
		t.Errorf("Expected 0 RMS for silence, got %f", rms)
	}
	if rms := CalculateRMS(nil); rms != 0 {
		t.Errorf("Expected 0 RMS for nil, got %f", rms)
	}

	// Full-scale square wave is ~1.0
	rms := CalculateRMS([]int16{32767, -32768, 32767, -32768})
	if math.Abs(rms-1) > 0.001 {
		t.Errorf("Expected ~1.0 RMS for full-scale square wave, got %f", rms)
	}

	// Half-scale constant
	rms = CalculateRMS([]int16{16384, 16384})
	if math.Abs(rms-0.5) > 0.001 {
		t.Errorf("Expected 0.5 RMS, got %f", rms)
	}
}

func BenchmarkResample_2x(b *testing.B) {
	samples := make([]int16, 960)
	for i := range samples {
		samples[i] = int16(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Resample(samples, 48000, 24000)
	}
}

func BenchmarkCalculateRMS(b *testing.B) {
	samples := make([]int16, 480)
	for i := range samples {
		samples[i] = int16(i * 50)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CalculateRMS(samples)
	}
}
