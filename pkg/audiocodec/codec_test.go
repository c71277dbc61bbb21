package audiocodec

import "testing"

func TestBytesToPCM16_OddLength(t *testing.T) {
	_, err := BytesToPCM16([]byte{0x01, 0x02, 0x03})
	if err != ErrOddLength {
		t.Errorf("expected ErrOddLength, got %v", err)
	}
}

func TestBytesToPCM16_RoundTrip(t *testing.T) {
	samples := []int16{0, 32767, -32768, 1234, -1234}
	data := PCM16ToBytes(samples)
	got, err := BytesToPCM16(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, s := range samples {
		if got[i] != s {
			t.Errorf("sample %d: got %d want %d", i, got[i], s)
		}
	}
}

func TestDecodeUlaw_Silence(t *testing.T) {
	// 0xFF is the standard mu-law silence byte.
	out := DecodeUlaw([]byte{0xFF})
	if out[0] < -10 || out[0] > 10 {
		t.Errorf("expected near-zero silence sample, got %d", out[0])
	}
}

func TestResample_8kTo24k_Length(t *testing.T) {
	in := make([]int16, 80) // 10ms at 8kHz
	out := Resample(in, 8000)
	if len(out) != 240 { // 10ms at 24kHz
		t.Errorf("expected 240 samples, got %d", len(out))
	}
}

func TestResample_16kTo24k_Length(t *testing.T) {
	in := make([]int16, 160) // 10ms at 16kHz
	out := Resample(in, 16000)
	if len(out) != 240 {
		t.Errorf("expected 240 samples, got %d", len(out))
	}
}

func TestResample_PadsWithLastSample(t *testing.T) {
	in := []int16{100, 200}
	out := Resample(in, 8000)
	if out[len(out)-1] != 200 {
		t.Errorf("expected tail to be replicated last sample, got %d", out[len(out)-1])
	}
}

func TestRMS_Empty(t *testing.T) {
	if RMS(nil) != 0 {
		t.Errorf("expected 0 RMS for empty frame")
	}
}

func TestAutoGain_BelowThreshold(t *testing.T) {
	samples := []int16{50, -50, 60, -60}
	out := AutoGain(samples)
	if RMS(out) <= RMS(samples) {
		t.Errorf("expected gain to raise RMS: before=%.2f after=%.2f", RMS(samples), RMS(out))
	}
}

func TestAutoGain_CapsAtMaxFactor(t *testing.T) {
	samples := []int16{1, -1, 1, -1}
	out := AutoGain(samples)
	// gain is capped at 15x regardless of how quiet the source is.
	for i, s := range out {
		want := int16(clampInt32(int32(float64(samples[i]) * autoGainMaxFactor)))
		if s != want {
			t.Errorf("sample %d: got %d want %d (max-factor gain)", i, s, want)
		}
	}
}

func TestAutoGain_AboveThresholdPassthrough(t *testing.T) {
	samples := []int16{5000, -5000, 6000, -6000}
	out := AutoGain(samples)
	for i := range samples {
		if out[i] != samples[i] {
			t.Errorf("expected passthrough above threshold, sample %d changed", i)
		}
	}
}

func TestPreEmphasis_FirstSamplePassthrough(t *testing.T) {
	samples := []int16{1000, 500, 250}
	out := PreEmphasis(samples)
	if out[0] != samples[0] {
		t.Errorf("expected first sample unchanged, got %d want %d", out[0], samples[0])
	}
}

func TestPreEmphasis_Formula(t *testing.T) {
	samples := []int16{1000, 2000}
	out := PreEmphasis(samples)
	want := int16(2000.0 - 0.97*1000.0)
	if out[1] != want {
		t.Errorf("got %d want %d", out[1], want)
	}
}
