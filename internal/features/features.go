// Package features converts PCM frames into per-frame feature vectors:
// a voice-activity probability plus the auxiliary signals (energy, pitch,
// spectral measures) the turn detector fuses. Scoring strategies sit behind
// the [Scorer] interface so the model-based scorer and the energy fallback
// are interchangeable per frame.
package features

import "math"

// Vector holds the per-frame analysis results. It is derived strictly from
// one frame plus the pipeline's bounded rolling state; vectors carry no
// references into the frame's sample buffer.
type Vector struct {
	// Probability is the fused voice-activity probability in [0, 1].
	Probability float64

	// Energy is the mean square amplitude normalized to full scale, in [0, 1].
	Energy float64

	// VolumeDB is the RMS level in dBFS. Silence is -Inf.
	VolumeDB float64

	// PitchHz is the estimated fundamental frequency, or 0 when no reliable
	// pitch was found.
	PitchHz float64

	// ZeroCrossingRate is the fraction of adjacent sample pairs that change
	// sign, in [0, 1].
	ZeroCrossingRate float64

	// SpectralCentroid approximates the spectral balance point in Hz.
	SpectralCentroid float64

	// Concealed is carried over from the source frame so the turn detector
	// can discount synthesized audio.
	Concealed bool
}

// Pitch search range. Human fundamentals sit between roughly 50 and 400 Hz;
// anything outside is treated as non-speech periodicity.
const (
	pitchMinHz = 50
	pitchMaxHz = 400

	// pitchCorrelationFloor is the minimum normalized autocorrelation peak
	// accepted as a real pitch.
	pitchCorrelationFloor = 0.6
)

// meanEnergy returns the mean square amplitude normalized to full scale.
func meanEnergy(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return sum / float64(len(pcm))
}

// volumeDB returns the RMS level in dBFS, or -Inf for silence.
func volumeDB(pcm []int16) float64 {
	rms := math.Sqrt(meanEnergy(pcm))
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// zeroCrossingRate returns the fraction of adjacent sample pairs that change
// sign.
func zeroCrossingRate(pcm []int16) float64 {
	if len(pcm) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(pcm); i++ {
		if (pcm[i-1] >= 0) != (pcm[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(pcm)-1)
}

// estimatePitch runs a normalized autocorrelation search over the speech
// fundamental range and returns the detected frequency, or 0 when no lag
// correlates above [pitchCorrelationFloor].
func estimatePitch(pcm []int16, sampleRate int) float64 {
	if len(pcm) < 100 {
		return 0
	}

	minPeriod := sampleRate / pitchMaxHz
	maxPeriod := sampleRate / pitchMinHz
	if maxPeriod >= len(pcm) {
		maxPeriod = len(pcm) - 1
	}
	if maxPeriod > len(pcm)/2 {
		maxPeriod = len(pcm) / 2
	}
	if minPeriod <= 0 || minPeriod >= maxPeriod {
		return 0
	}

	f := make([]float64, len(pcm))
	for i, s := range pcm {
		f[i] = float64(s) / 32768.0
	}

	bestCorrelation := 0.0
	bestPeriod := 0
	for period := minPeriod; period < maxPeriod; period++ {
		var corr, norm1, norm2 float64
		for i := 0; i < len(f)-period; i++ {
			corr += f[i] * f[i+period]
			norm1 += f[i] * f[i]
			norm2 += f[i+period] * f[i+period]
		}
		if norm1 <= 0 || norm2 <= 0 {
			continue
		}
		normalized := corr / math.Sqrt(norm1*norm2)
		if normalized > bestCorrelation {
			bestCorrelation = normalized
			bestPeriod = period
		}
	}

	if bestPeriod == 0 || bestCorrelation < pitchCorrelationFloor {
		return 0
	}
	return float64(sampleRate) / float64(bestPeriod)
}

// spectralCentroid approximates the spectral balance point from the zero
// crossing rate. A full FFT buys little for a 20 ms gating decision, so the
// ZCR proxy the detector was tuned against is kept.
func spectralCentroid(pcm []int16, sampleRate int) float64 {
	return zeroCrossingRate(pcm) * float64(sampleRate) / 2
}
