package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BytesPerSample is the width of one PCM16 sample
const BytesPerSample = 2

// BytesToInt16 converts little-endian PCM16 bytes to samples
func BytesToInt16(pcm []byte) ([]int16, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// Int16ToBytes converts samples to little-endian PCM16 bytes
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono
func Downmix(interleaved []int16, channels int) []int16 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(interleaved[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// Resample performs simple linear interpolation resampling.
// Adequate for speech between the Opus rates and backend output rates.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 || inputRate <= 0 || outputRate <= 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// ResamplePCM resamples little-endian PCM16 bytes
func ResamplePCM(pcm []byte, inputRate, outputRate int) ([]byte, error) {
	if inputRate == outputRate {
		return pcm, nil
	}
	samples, err := BytesToInt16(pcm)
	if err != nil {
		return nil, err
	}
	return Int16ToBytes(Resample(samples, inputRate, outputRate)), nil
}

// SplitFrames cuts PCM bytes into frames of at most frameBytes, keeping sample alignment
func SplitFrames(pcm []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 || len(pcm) <= frameBytes {
		if len(pcm) == 0 {
			return nil
		}
		return [][]byte{pcm}
	}
	frameBytes -= frameBytes % BytesPerSample
	if frameBytes == 0 {
		frameBytes = BytesPerSample
	}

	frames := make([][]byte, 0, (len(pcm)+frameBytes-1)/frameBytes)
	for start := 0; start < len(pcm); start += frameBytes {
		end := start + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frames = append(frames, pcm[start:end])
	}
	return frames
}

// Duration returns the play time of a mono sample count at the given rate
func Duration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
