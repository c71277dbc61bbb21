// Package audiocodec implements the stateless audio transforms the gateway
// needs to move caller audio from the telephony bridge's narrow-band wire
// format into the wide-band PCM16 the upstream Realtime API expects.
package audiocodec

import (
	"errors"
	"math"
)

// ErrOddLength is returned when a byte slice claiming to be PCM16 has an odd
// length and cannot be reinterpreted as 16-bit samples.
var ErrOddLength = errors.New("audiocodec: odd-length PCM16 buffer")

// ulawDecodeTable is the standard ITU-T G.711 mu-law to linear PCM16 lookup
// table.
var ulawDecodeTable = buildUlawTable()

func buildUlawTable() [256]int16 {
	var table [256]int16
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int32(mantissa)<<3 + 0x84) << uint(exponent)
		sample -= 0x84
		if sign != 0 {
			sample = -sample
		}
		table[i] = int16(clampInt32(sample))
	}
	return table
}

func clampInt32(v int32) int32 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}

// DecodeUlaw converts a stream of mu-law encoded bytes into signed 16-bit PCM
// samples at the same sample rate. Never panics.
func DecodeUlaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = ulawDecodeTable[b]
	}
	return out
}

// BytesToPCM16 reinterprets a little-endian byte buffer as signed 16-bit PCM
// samples. Returns ErrOddLength for malformed (odd-length) input; the caller
// is expected to drop the frame and log, per the codec's no-panic contract.
func BytesToPCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return out, nil
}

// PCM16ToBytes serializes signed 16-bit samples back into little-endian
// bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		u := uint16(s)
		out[2*i] = byte(u)
		out[2*i+1] = byte(u >> 8)
	}
	return out
}

// Resample converts PCM16 samples from inRate to 24000 Hz. Only 8000 and
// 16000 Hz input rates are supported, matching the telephony bridge's two
// narrow/wide-band formats. 8kHz uses 3x linear interpolation; 16kHz uses a
// 3:2 rational interpolation. The final sample is replicated to pad the tail
// rather than left undefined.
func Resample(samples []int16, inRate int) []int16 {
	switch inRate {
	case 8000:
		return resampleRational(samples, 3, 1)
	case 16000:
		return resampleRational(samples, 3, 2)
	case 24000:
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	default:
		// Unsupported rate: best-effort rational resample rather than panic.
		return resampleRational(samples, 24000, inRate)
	}
}

// resampleRational upsamples/downsamples by the rational factor num/den using
// linear interpolation between neighboring input samples.
func resampleRational(samples []int16, num, den int) []int16 {
	if len(samples) == 0 {
		return nil
	}
	if len(samples) == 1 {
		out := make([]int16, num)
		for i := range out {
			out[i] = samples[0]
		}
		return out
	}

	outLen := len(samples) * num / den
	out := make([]int16, outLen)
	lastIdx := len(samples) - 1

	for i := 0; i < outLen; i++ {
		// Position in the input timeline, in input-sample units.
		pos := float64(i) * float64(den) / float64(num)
		idx := int(pos)
		frac := pos - float64(idx)

		if idx >= lastIdx {
			out[i] = samples[lastIdx]
			continue
		}

		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + frac*(b-a))
	}
	return out
}

// RMS computes the root-mean-square energy of a PCM16 frame using saturating
// arithmetic; an empty frame has RMS 0.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

const (
	autoGainSourceThreshold = 120.0
	autoGainTarget          = 250.0
	autoGainMaxFactor       = 15.0
)

// AutoGain scales a frame toward autoGainTarget RMS when its RMS falls below
// autoGainSourceThreshold, capping the applied gain at autoGainMaxFactor and
// clamping every sample to the int16 range.
func AutoGain(samples []int16) []int16 {
	rms := RMS(samples)
	if rms <= 0 || rms >= autoGainSourceThreshold {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	gain := autoGainTarget / rms
	if gain > autoGainMaxFactor {
		gain = autoGainMaxFactor
	}

	out := make([]int16, len(samples))
	for i, s := range samples {
		scaled := float64(s) * gain
		out[i] = int16(clampInt32(int32(scaled)))
	}
	return out
}

// PreEmphasis applies the first-order filter y[n] = x[n] - 0.97*x[n-1] with
// int16-saturating arithmetic. The first sample passes through unchanged.
func PreEmphasis(samples []int16) []int16 {
	if len(samples) == 0 {
		return nil
	}
	const coeff = 0.97
	out := make([]int16, len(samples))
	out[0] = samples[0]
	for i := 1; i < len(samples); i++ {
		v := float64(samples[i]) - coeff*float64(samples[i-1])
		out[i] = int16(clampInt32(int32(v)))
	}
	return out
}
