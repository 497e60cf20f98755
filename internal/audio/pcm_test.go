package audio

import (
	"testing"
	"time"
)

func TestBytesToInt16(t *testing.T) {
	samples, err := BytesToInt16([]byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80})
	if err != nil {
		t.Fatalf("BytesToInt16 failed: %v", err)
	}

	expected := []int16{1, -1, -32768}
	for i, want := range expected {
		if samples[i] != want {
			t.Errorf("Sample %d: expected %d, got %d", i, want, samples[i])
		}
	}
}

func TestBytesToInt16_OddLength(t *testing.T) {
	if _, err := BytesToInt16([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("Expected error for odd-length PCM data")
	}
}

func TestInt16ToBytes(t *testing.T) {
	out := Int16ToBytes([]int16{1, -1, 32767})
	expected := []byte{0x01, 0x00, 0xFF, 0xFF, 0xFF, 0x7F}

	if len(out) != len(expected) {
		t.Fatalf("Expected %d bytes, got %d", len(expected), len(out))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("Byte %d: expected 0x%02X, got 0x%02X", i, expected[i], out[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	mono := Downmix([]int16{100, 300, -200, 200, 1000, 0}, 2)

	expected := []int16{200, 0, 500}
	if len(mono) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(mono))
	}
	for i := range expected {
		if mono[i] != expected[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, expected[i], mono[i])
		}
	}

	passthrough := []int16{1, 2, 3}
	if got := Downmix(passthrough, 1); len(got) != 3 {
		t.Errorf("Expected mono input to pass through, got %d samples", len(got))
	}
}

func TestResample(t *testing.T) {
	input := make([]int16, 480) // 10ms at 48kHz
	for i := range input {
		input[i] = int16(i)
	}

	down := Resample(input, 48000, 16000)
	if len(down) != 160 {
		t.Errorf("Expected 160 samples after 48k->16k, got %d", len(down))
	}

	up := Resample(input[:160], 16000, 24000)
	if len(up) != 240 {
		t.Errorf("Expected 240 samples after 16k->24k, got %d", len(up))
	}

	same := Resample(input, 16000, 16000)
	if len(same) != len(input) {
		t.Errorf("Expected same-rate resample to pass through")
	}
}

func TestResamplePCM(t *testing.T) {
	pcm := Int16ToBytes(make([]int16, 240))

	out, err := ResamplePCM(pcm, 24000, 16000)
	if err != nil {
		t.Fatalf("ResamplePCM failed: %v", err)
	}
	if len(out) != 160*BytesPerSample {
		t.Errorf("Expected %d bytes, got %d", 160*BytesPerSample, len(out))
	}
}

func TestSplitFrames(t *testing.T) {
	pcm := make([]byte, 10)

	frames := SplitFrames(pcm, 4)
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	if len(frames[0]) != 4 || len(frames[2]) != 2 {
		t.Errorf("Unexpected frame sizes %d/%d", len(frames[0]), len(frames[2]))
	}

	// Odd frame size is rounded down to keep samples whole
	frames = SplitFrames(pcm, 5)
	for i, f := range frames {
		if len(f)%BytesPerSample != 0 {
			t.Errorf("Frame %d has odd length %d", i, len(f))
		}
	}

	if SplitFrames(nil, 4) != nil {
		t.Error("Expected no frames for empty input")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(16000, 16000); got != time.Second {
		t.Errorf("Expected 1s, got %v", got)
	}
	if got := Duration(320, 16000); got != 20*time.Millisecond {
		t.Errorf("Expected 20ms, got %v", got)
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	rms := CalculateRMS(samples)

	// sqrt((1000^2 + 1000^2 + 2000^2 + 2000^2) / 4)
	expected := 1581.14
	if rms < expected-1.0 || rms > expected+1.0 {
		t.Errorf("Expected RMS around %.2f, got %.2f", expected, rms)
	}

	if CalculateRMS(nil) != 0 {
		t.Error("Expected zero RMS for empty input")
	}
}
