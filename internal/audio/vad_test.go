package audio

import (
	"testing"
)

func constantFrame(n int, value int16) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func testVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SpeechFrames:    1,
		SilenceFrames:   10,
		FrameSize:       160,
	}
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constantFrame(160, 5000)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(samples)
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("Expected speech start to fire once, fired again on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constantFrame(160, 10)

	for i := 0; i < 15; i++ {
		isSpeaking, _, _ := vad.ProcessFrame(samples)
		if isSpeaking {
			t.Errorf("Expected silence on frame %d", i)
		}
	}
}

func TestVADDetector_RequiresConsecutiveSpeechFrames(t *testing.T) {
	config := testVADConfig()
	config.SpeechFrames = 3
	vad := NewVADDetector(config)

	high := constantFrame(160, 5000)
	low := constantFrame(160, 10)

	// A short click followed by silence must not count as barge-in
	vad.ProcessFrame(high)
	vad.ProcessFrame(high)
	vad.ProcessFrame(low)
	if vad.IsSpeaking() {
		t.Fatal("Expected two voiced frames to stay below the speech requirement")
	}

	vad.ProcessFrame(high)
	vad.ProcessFrame(high)
	_, started, _ := vad.ProcessFrame(high)
	if !started {
		t.Error("Expected speech to start on the third consecutive voiced frame")
	}
}

func TestVADDetector_ProcessFrame_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	highSamples := constantFrame(160, 5000)
	lowSamples := constantFrame(160, 10)

	for i := 0; i < 5; i++ {
		isSpeaking, _, _ := vad.ProcessFrame(highSamples)
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
	}

	speechEnded := false
	for i := 0; i < 15; i++ {
		_, _, ended := vad.ProcessFrame(lowSamples)
		if ended {
			speechEnded = true
			break
		}
	}

	if !speechEnded {
		t.Error("Expected speech to end after silence frames")
	}
}

func TestVADDetector_ProcessSamples_CarriesRemainder(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	// 100 samples is less than one frame, nothing is analyzed yet
	if vad.ProcessSamples(constantFrame(100, 5000)) {
		t.Fatal("Expected no speech from a partial frame")
	}
	if vad.IsSpeaking() {
		t.Fatal("Expected partial frame to be held, not analyzed")
	}

	// Completing the frame triggers detection
	if !vad.ProcessSamples(constantFrame(60, 5000)) {
		t.Error("Expected speech once the buffered frame completed")
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	lowConfig := testVADConfig()
	lowConfig.EnergyThreshold = 100.0
	lowThreshold := NewVADDetector(lowConfig)

	highConfig := testVADConfig()
	highConfig.EnergyThreshold = 5000.0
	highThreshold := NewVADDetector(highConfig)

	samples := constantFrame(160, 1000)

	isSpeaking, _, _ := lowThreshold.ProcessFrame(samples)
	if !isSpeaking {
		t.Error("Expected low threshold to detect speech")
	}

	isSpeaking, _, _ = highThreshold.ProcessFrame(samples)
	if isSpeaking {
		t.Error("Expected high threshold to not detect speech")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	vad.ProcessFrame(constantFrame(160, 5000))
	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 900.0 {
		t.Errorf("Expected default EnergyThreshold 900.0, got %f", config.EnergyThreshold)
	}
	if config.SpeechFrames != 3 {
		t.Errorf("Expected default SpeechFrames 3, got %d", config.SpeechFrames)
	}
	if config.FrameSize != 320 {
		t.Errorf("Expected default FrameSize 320, got %d", config.FrameSize)
	}
}
