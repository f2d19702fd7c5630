package features

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Isolator suppresses background noise in a PCM frame before scoring.
// Implementations return a frame of the same length. Isolation is best
// effort: on error the pipeline passes the original PCM through and counts
// the bypass.
type Isolator interface {
	Name() string
	Isolate(ctx context.Context, pcm []int16) ([]int16, error)
}

// Noise gate tuning. Frames whose normalized energy sits below the threshold
// are attenuated rather than zeroed, which avoids pumping artifacts at word
// boundaries.
const (
	gateThreshold   = 0.02
	gateAttenuation = 0.1
)

// NoiseGate is the fallback isolator: a simple energy gate that attenuates
// frames below the speech energy threshold. Stateless and infallible.
type NoiseGate struct{}

// Name implements [Isolator].
func (NoiseGate) Name() string { return "noise_gate" }

// Isolate implements [Isolator].
func (NoiseGate) Isolate(_ context.Context, pcm []int16) ([]int16, error) {
	if meanEnergy(pcm) >= gateThreshold {
		return pcm, nil
	}
	out := make([]int16, len(pcm))
	for i, s := range pcm {
		out[i] = int16(float64(s) * gateAttenuation)
	}
	return out, nil
}

// ModelIsolator runs an ONNX speech-enhancement model that maps a noisy PCM
// frame to a cleaned frame of the same shape. Like [ModelScorer], one
// instance belongs to one session.
type ModelIsolator struct {
	session *ort.DynamicAdvancedSession
}

// NewModelIsolator loads the suppression model at modelPath.
func NewModelIsolator(modelPath, libPath string) (*ModelIsolator, error) {
	if err := initRuntime(libPath); err != nil {
		return nil, fmt.Errorf("onnx runtime: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input"},
		[]string{"output"},
		nil)
	if err != nil {
		return nil, fmt.Errorf("isolation session: %w", err)
	}
	return &ModelIsolator{session: session}, nil
}

// Name implements [Isolator].
func (m *ModelIsolator) Name() string { return "onnx_suppression" }

// Isolate implements [Isolator].
func (m *ModelIsolator) Isolate(ctx context.Context, pcm []int16) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := make([]float32, len(pcm))
	for i, s := range pcm {
		input[i] = float32(s) / 32768.0
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(pcm))),
		make([]float32, len(pcm)))
	if err != nil {
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	err = m.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor})
	if err != nil {
		return nil, fmt.Errorf("isolation inference: %w", err)
	}

	out := make([]int16, len(pcm))
	for i, v := range outputTensor.GetData() {
		switch {
		case v > 1:
			out[i] = 32767
		case v < -1:
			out[i] = -32768
		default:
			out[i] = int16(v * 32767)
		}
	}
	return out, nil
}

// Close releases the session.
func (m *ModelIsolator) Close() error {
	return m.session.Destroy()
}
