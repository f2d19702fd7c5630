package jitter

// Concealment parameters. Each consecutive loss attenuates the replayed frame
// further so sustained loss fades out instead of looping a synthetic tone.
const (
	// concealDecay is the per-loss amplitude factor applied to the last good
	// frame. run losses yield concealDecay^run of the original amplitude.
	concealDecay = 0.7

	// comfortNoiseAmp is the peak amplitude of the comfort noise used before
	// any real frame has been decoded. Loud enough to avoid a dead line,
	// quiet enough to be inaudible (-66 dBFS).
	comfortNoiseAmp = 16
)

// conceal synthesizes a replacement frame for the given consecutive-loss run.
// The result is the last good frame attenuated by concealDecay^run, which
// keeps the concealed energy bounded by the preceding real frame and decaying
// monotonically across a loss burst. When no real frame has been decoded yet,
// low-level comfort noise is produced instead of digital silence, which would
// click at the frame boundary.
func conceal(lastGood []int16, run, samplesPerFrame int) []int16 {
	out := make([]int16, samplesPerFrame)

	if lastGood == nil {
		fillComfortNoise(out, uint32(run))
		return out
	}

	gain := 1.0
	for i := 0; i < run; i++ {
		gain *= concealDecay
	}
	for i, s := range lastGood {
		out[i] = int16(float64(s) * gain)
	}
	return out
}

// fillComfortNoise writes deterministic low-amplitude noise. A small LCG is
// plenty here; the output sits near the noise floor and only has to avoid
// being a constant.
func fillComfortNoise(out []int16, seed uint32) {
	state := seed*2654435761 + 1
	for i := range out {
		state = state*1664525 + 1013904223
		// Map the top bits onto [-comfortNoiseAmp, comfortNoiseAmp].
		out[i] = int16(int32(state>>16)%(2*comfortNoiseAmp+1) - comfortNoiseAmp)
	}
}
