//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hyperjump/teian/pkg/utils"
	ort "github.com/yalue/onnxruntime_go"
)

var onnxInputNames = []string{"input_ids", "attention_mask", "token_type_ids"}

// ONNXEmbedder runs a sentence-embedding model through ONNX Runtime.
// It requires CGO and the onnxruntime shared library. Inference is serialized on one session.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	tokenizer  Tokenizer
	name       string
	dimensions int
	maxTokens  int
	// inputs follow onnxInputNames; Embed overwrites their data before each Run.
	inputs []*ort.Tensor[int64]
	output *ort.Tensor[float32]
}

// NewONNXEmbedder loads the model at modelPath and allocates fixed-shape tensors of
// maxTokens inputs and dimensions outputs.
func NewONNXEmbedder(modelPath string, dimensions, maxTokens int) (Embedder, error) {
	if dimensions <= 0 || maxTokens <= 0 {
		return nil, fmt.Errorf("invalid onnx shape: dimensions=%d max_tokens=%d", dimensions, maxTokens)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	e := &ONNXEmbedder{
		tokenizer:  &SimpleTokenizer{},
		name:       "onnx/" + filepath.Base(modelPath),
		dimensions: dimensions,
		maxTokens:  maxTokens,
	}
	inputShape := ort.NewShape(1, int64(maxTokens))
	for _, name := range onnxInputNames {
		t, err := ort.NewEmptyTensor[int64](inputShape)
		if err != nil {
			e.destroyTensors()
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		e.inputs = append(e.inputs, t)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dimensions)))
	if err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	e.output = output

	inputs := make([]ort.ArbitraryTensor, len(e.inputs))
	for i, t := range e.inputs {
		inputs[i] = t
	}
	session, err := ort.NewAdvancedSession(modelPath, onnxInputNames, []string{"output"},
		inputs, []ort.ArbitraryTensor{e.output}, nil)
	if err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", modelPath, err)
	}
	e.session = session
	return e, nil
}

// Embed tokenizes text, runs the model and returns the L2-normalized output.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, mask, types := e.tokenizer.Tokenize(text, e.maxTokens)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.New("onnx embedder is closed")
	}
	for i, data := range [][]int64{ids, mask, types} {
		copy(e.inputs[i].GetData(), data)
	}
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx inference failed: %w", err)
	}
	vec := append([]float32(nil), e.output.GetData()[:e.dimensions]...)
	utils.NormalizeL2(vec)
	return vec, nil
}

// EmbedBatch embeds texts one at a time on the shared session.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Name returns "onnx/<model file name>".
func (e *ONNXEmbedder) Name() string {
	return e.name
}

// Close releases the session and its tensors. It is safe to call more than once.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	e.destroyTensors()
	return err
}

func (e *ONNXEmbedder) destroyTensors() {
	for _, t := range e.inputs {
		_ = t.Destroy()
	}
	e.inputs = nil
	if e.output != nil {
		_ = e.output.Destroy()
		e.output = nil
	}
}
