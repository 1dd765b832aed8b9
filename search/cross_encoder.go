package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	tokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

var ortInit sync.Once

// initRuntime points ONNX Runtime at its shared library and brings the
// environment up. The environment is process-wide and stays up for the
// process lifetime.
func initRuntime() error {
	var err error
	ortInit.Do(func() {
		if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY"); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		err = ort.InitializeEnvironment()
	})
	return err
}

// CrossEncoder scores (query, passage) pairs with an ONNX
// cross-encoder model. One scoring call runs one pair; pairs are not
// batched into a single tensor, which bounds memory on long passages.
type CrossEncoder struct {
	tok     *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession

	mu sync.Mutex // session.Run is serialized per session
}

var _ PairScorer = (*CrossEncoder)(nil)

// NewCrossEncoder loads a cross-encoder from modelDir, which must hold
// model.onnx and tokenizer.json. Missing assets are a configuration
// error surfaced at load, not at first score.
func NewCrossEncoder(modelDir string) (*CrossEncoder, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("initialize ONNX runtime: %w", err)
	}

	tok, err := pretrained.FromFile(filepath.Join(modelDir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, "model.onnx"),
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &CrossEncoder{tok: tok, session: session}, nil
}

// Score tokenizes the pair jointly and returns the model's raw logits.
func (ce *CrossEncoder) Score(ctx context.Context, query, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := tokenizer.NewDualEncodeInput(
		tokenizer.NewInputSequence(query),
		tokenizer.NewInputSequence(text),
	)
	enc, err := ce.tok.Encode(input, true)
	if err != nil {
		return nil, fmt.Errorf("tokenize pair: %w", err)
	}

	ids := enc.GetIds()
	mask := enc.GetAttentionMask()
	types := enc.GetTypeIds()

	n := len(ids)
	inputIds := make([]int64, n)
	attentionMask := make([]int64, n)
	tokenTypeIds := make([]int64, n)
	for i := 0; i < n; i++ {
		inputIds[i] = int64(ids[i])
		attentionMask[i] = int64(mask[i])
		tokenTypeIds[i] = int64(types[i])
	}

	shape := ort.NewShape(1, int64(n))

	inputIdsTensor, err := ort.NewTensor(shape, inputIds)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIdsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIdsTensor, err := ort.NewTensor(shape, tokenTypeIds)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIdsTensor.Destroy()

	outputs := make([]ort.Value, 1)

	ce.mu.Lock()
	err = ce.session.Run(
		[]ort.Value{inputIdsTensor, attentionMaskTensor, tokenTypeIdsTensor},
		outputs,
	)
	ce.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor is not float32 type")
	}

	// Copy before the tensor is destroyed.
	data := outputTensor.GetData()
	logits := make([]float32, len(data))
	copy(logits, data)
	return logits, nil
}

// Close releases the session. The runtime environment stays up for
// other sessions.
func (ce *CrossEncoder) Close() error {
	if ce.session != nil {
		ce.session.Destroy()
		ce.session = nil
	}
	return nil
}
