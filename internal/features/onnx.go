package features

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortInit guards process-wide ONNX Runtime environment setup. The runtime
// library is loaded once regardless of how many sessions exist.
var ortInit sync.Once

func initRuntime(libPath string) error {
	var initErr error
	ortInit.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil && strings.Contains(initErr.Error(), "already initialized") {
		return nil
	}
	return initErr
}

// ModelScorer runs a Silero-style VAD ONNX model. The model takes the PCM
// frame, a recurrent hidden state and the sample rate, and returns a speech
// probability plus the next hidden state. One ModelScorer belongs to one
// session; the hidden state makes it stateful and single-goroutine.
type ModelScorer struct {
	session    *ort.DynamicAdvancedSession
	state      *ort.Tensor[float32]
	sr         *ort.Tensor[int64]
	sampleRate int
}

// silero_vad.onnx hidden state shape.
const (
	stateLayers = 2
	stateBatch  = 1
	stateDim    = 64
)

// NewModelScorer loads the VAD model at modelPath. libPath optionally points
// at the ONNX Runtime shared library; when empty the platform default is
// used. Returns an error if the model file or runtime is unavailable, in
// which case callers run on the energy scorer alone.
func NewModelScorer(modelPath, libPath string, sampleRate int) (*ModelScorer, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("vad model: %w", err)
	}
	if err := initRuntime(libPath); err != nil {
		return nil, fmt.Errorf("onnx runtime: %w", err)
	}

	state, err := ort.NewTensor(ort.NewShape(stateLayers, stateBatch, stateDim),
		make([]float32, stateLayers*stateBatch*stateDim))
	if err != nil {
		return nil, fmt.Errorf("state tensor: %w", err)
	}
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(sampleRate)})
	if err != nil {
		state.Destroy()
		return nil, fmt.Errorf("sample rate tensor: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil)
	if err != nil {
		state.Destroy()
		sr.Destroy()
		return nil, fmt.Errorf("vad session: %w", err)
	}

	return &ModelScorer{
		session:    session,
		state:      state,
		sr:         sr,
		sampleRate: sampleRate,
	}, nil
}

// Name implements [Scorer].
func (m *ModelScorer) Name() string { return "silero" }

// Score implements [Scorer] by running one inference pass. Errors surface to
// the caller so the fallback group can fail over and trip the breaker.
func (m *ModelScorer) Score(ctx context.Context, pcm []int16) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	input := make([]float32, len(pcm))
	for i, s := range pcm {
		input[i] = float32(s) / 32768.0
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return 0, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewTensor(ort.NewShape(1, 1), make([]float32, 1))
	if err != nil {
		return 0, fmt.Errorf("output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	nextState, err := ort.NewTensor(ort.NewShape(stateLayers, stateBatch, stateDim),
		make([]float32, stateLayers*stateBatch*stateDim))
	if err != nil {
		return 0, fmt.Errorf("next state tensor: %w", err)
	}
	defer nextState.Destroy()

	err = m.session.Run(
		[]ort.Value{inputTensor, m.state, m.sr},
		[]ort.Value{outputTensor, nextState},
	)
	if err != nil {
		return 0, fmt.Errorf("vad inference: %w", err)
	}

	copy(m.state.GetData(), nextState.GetData())
	return float64(outputTensor.GetData()[0]), nil
}

// Reset clears the recurrent state, e.g. after a long silence or stream
// re-anchor.
func (m *ModelScorer) Reset() {
	for i := range m.state.GetData() {
		m.state.GetData()[i] = 0
	}
}

// Close releases the session and its tensors.
func (m *ModelScorer) Close() error {
	m.state.Destroy()
	m.sr.Destroy()
	return m.session.Destroy()
}
