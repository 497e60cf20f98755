package audio

// VADConfig holds configuration for the energy-based voice activity detector
// used to detect the caller talking over synthesized playback.
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SpeechFrames    int     // Consecutive voiced frames before speech is reported
	SilenceFrames   int     // Consecutive silent frames before speech is considered over
	FrameSize       int     // Samples per analysis frame (320 = 20ms at 16kHz)
}

// DefaultVADConfig returns a default VAD configuration for 16kHz input
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 900.0,
		SpeechFrames:    3,
		SilenceFrames:   10,
		FrameSize:       320,
	}
}

// VADDetector performs Voice Activity Detection.
// Not safe for concurrent use; each session owns one.
type VADDetector struct {
	config         *VADConfig
	voicedCounter  int
	silenceCounter int
	isSpeaking     bool
	pending        []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.SpeechFrames < 1 {
		config.SpeechFrames = 1
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes one analysis frame.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		v.voicedCounter++

		if !v.isSpeaking && v.voicedCounter >= v.config.SpeechFrames {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.voicedCounter = 0
		v.silenceCounter++

		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// ProcessSamples splits arbitrary-length decoded audio into analysis frames,
// carrying any remainder into the next call. It reports whether speech started
// within these samples.
func (v *VADDetector) ProcessSamples(samples []int16) bool {
	size := v.config.FrameSize
	if size <= 0 {
		_, started, _ := v.ProcessFrame(samples)
		return started
	}

	buf := samples
	if len(v.pending) > 0 {
		buf = append(v.pending, samples...)
		v.pending = nil
	}

	started := false
	for len(buf) >= size {
		if _, s, _ := v.ProcessFrame(buf[:size]); s {
			started = true
		}
		buf = buf[size:]
	}
	if len(buf) > 0 {
		v.pending = append([]int16(nil), buf...)
	}
	return started
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.voicedCounter = 0
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
