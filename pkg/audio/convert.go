package audio

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// StereoToMono downmixes interleaved stereo samples by averaging each L/R
// pair. The input length should be even; a trailing unpaired sample is
// dropped.
func StereoToMono(pcm []int16) []int16 {
	mono := make([]int16, len(pcm)/2)
	for i := range mono {
		l := int32(pcm[i*2])
		r := int32(pcm[i*2+1])
		mono[i] = int16((l + r) / 2)
	}
	return mono
}

// MonoToStereo duplicates each mono sample into an interleaved L/R pair.
func MonoToStereo(pcm []int16) []int16 {
	stereo := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		stereo[i*2] = s
		stereo[i*2+1] = s
	}
	return stereo
}

// Float32sToInt16s converts normalized [-1, 1] float samples to int16 PCM,
// clamping out-of-range values. Model scorers and the voice isolator operate
// on float samples; the rest of the pipeline stays in int16.
func Float32sToInt16s(samples []float32) []int16 {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767.0
		if v > 32767.0 {
			v = 32767.0
		} else if v < -32768.0 {
			v = -32768.0
		}
		pcm[i] = int16(v)
	}
	return pcm
}

// Int16sToFloat32s converts int16 PCM to normalized [-1, 1] float samples.
func Int16sToFloat32s(pcm []int16) []float32 {
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
