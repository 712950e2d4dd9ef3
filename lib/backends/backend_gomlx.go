// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Pure Go engine, always available (no CGO)
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	RegisterBackend(newGomlxBackend(BackendGo, "go"))
	// Only usable when a PJRT plugin is installed; Available() reports false otherwise.
	RegisterBackend(newGomlxBackend(BackendXLA, "xla"))
}

// gomlxBackend implements Backend by executing ONNX graphs with onnx-gomlx.
//
// Two backends are registered:
//   - BackendGo: pure Go engine (simplego), always available, slower
//   - BackendXLA: XLA engine via PJRT, hardware accelerated
type gomlxBackend struct {
	backendType BackendType
	engineType  string // "go" or "xla"

	engineOnce sync.Once
	engine     backends.Backend
	engineErr  error

	availOnce sync.Once
	available bool
}

func newGomlxBackend(backendType BackendType, engineType string) *gomlxBackend {
	return &gomlxBackend{
		backendType: backendType,
		engineType:  engineType,
	}
}

func (b *gomlxBackend) Type() BackendType {
	return b.backendType
}

func (b *gomlxBackend) Name() string {
	switch b.backendType {
	case BackendXLA:
		return "GoMLX (XLA)"
	case BackendGo:
		return "GoMLX (Go)"
	default:
		return "GoMLX"
	}
}

func (b *gomlxBackend) Available() bool {
	b.availOnce.Do(func() {
		_, err := b.getEngine()
		b.available = err == nil
	})
	return b.available
}

func (b *gomlxBackend) Priority() int {
	if b.backendType == BackendXLA {
		return 20
	}
	return 100
}

// SessionFactory returns a factory creating GoMLX sessions for ONNX files.
func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

// getEngine lazily creates the engine shared by every session of this backend.
func (b *gomlxBackend) getEngine() (backends.Backend, error) {
	b.engineOnce.Do(func() {
		b.engine, b.engineErr = safeNewBackend(b.engineType)
	})
	return b.engine, b.engineErr
}

// safeNewBackend creates a new engine, catching panics from libraries
// that don't handle missing dependencies gracefully (go-xla panics if the
// PJRT plugin fails to load).
func safeNewBackend(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("engine %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

// gomlxSessionFactory creates sessions from ONNX model files using GoMLX.
type gomlxSessionFactory struct {
	backend *gomlxBackend
}

func (f *gomlxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	// GoMLX picks its own threading and device; session options only apply to ONNX Runtime.
	_ = ApplySessionOptions(opts...)

	engine, err := f.backend.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine %q: %w", f.backend.engineType, err)
	}

	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model %s: %w", modelPath, err)
	}

	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, inputShapes := om.Inputs()
	outputNames, outputShapes := om.Outputs()

	inputInfo := make([]TensorInfo, len(inputNames))
	for i, name := range inputNames {
		inputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(inputShapes[i].Dimensions),
			DataType: gomlxDataType(inputShapes[i].DType),
		}
	}

	outputInfo := make([]TensorInfo, len(outputNames))
	for i, name := range outputNames {
		outputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(outputShapes[i].Dimensions),
			DataType: gomlxDataType(outputShapes[i].DType),
		}
	}

	return &gomlxSession{
		onnxModel:   om,
		ctx:         ctx,
		engine:      engine,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return f.backend.backendType
}

// gomlxSession implements Session for raw tensor I/O using GoMLX.
type gomlxSession struct {
	onnxModel   *onnx.Model
	ctx         *mlctx.Context
	engine      backends.Backend
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

func (s *gomlxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onnxModel == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	// Graph parameters follow the model's declared input order.
	args := make([]any, len(s.inputNames))
	for i, name := range s.inputNames {
		input, ok := inputMap[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", name)
		}
		t, err := namedTensorToGoMLX(input)
		if err != nil {
			return nil, fmt.Errorf("converting input tensor %s: %w", name, err)
		}
		args[i] = t
	}

	graphFn := func(mlCtx *mlctx.Context, graphInputs []*graph.Node) []*graph.Node {
		inputNodeMap := make(map[string]*graph.Node, len(s.inputNames))
		for i, name := range s.inputNames {
			inputNodeMap[name] = graphInputs[i]
		}
		return s.onnxModel.CallGraph(mlCtx.Reuse(), graphInputs[0].Graph(), inputNodeMap)
	}

	results, err := mlctx.ExecOnceN(s.engine, s.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs := make([]NamedTensor, len(results))
	for i, result := range results {
		name := ""
		if i < len(s.outputNames) {
			name = s.outputNames[i]
		}
		outputs[i] = gomlxToNamedTensor(result, name)
	}
	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onnxModel = nil
	s.ctx = nil
	return nil
}

func intsToInt64s(dims []int) []int64 {
	result := make([]int64, len(dims))
	for i, d := range dims {
		result[i] = int64(d)
	}
	return result
}

// gomlxDataType maps a GoMLX dtype onto the handful of types sessions exchange.
func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Float16, dtypes.BFloat16:
		return DataTypeFloat16
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32, dtypes.Int16, dtypes.Int8:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

func namedTensorToGoMLX(nt NamedTensor) (*tensors.Tensor, error) {
	dims := make([]int, len(nt.Shape))
	for i, d := range nt.Shape {
		dims[i] = int(d)
	}
	if n := nt.NumElements(); reflect.ValueOf(nt.Data).Kind() == reflect.Slice && reflect.ValueOf(nt.Data).Len() != n {
		return nil, fmt.Errorf("tensor %q: shape %v needs %d elements, got %d", nt.Name, nt.Shape, n, reflect.ValueOf(nt.Data).Len())
	}

	switch data := nt.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %T", data)
	}
}

func gomlxToNamedTensor(t *tensors.Tensor, name string) NamedTensor {
	shape := t.Shape()
	dims := intsToInt64s(shape.Dimensions)

	var data any
	val := t.Value()
	switch shape.DType {
	case dtypes.Int64:
		data = flatten[int64](val)
	case dtypes.Int32:
		data = flatten[int32](val)
	case dtypes.Bool:
		data = flatten[bool](val)
	case dtypes.Float64:
		f64 := flatten[float64](val)
		f32 := make([]float32, len(f64))
		for i, v := range f64 {
			f32[i] = float32(v)
		}
		data = f32
	default:
		data = flatten[float32](val)
	}

	return NamedTensor{Name: name, Shape: dims, Data: data}
}

// flatten turns the nested slices returned by tensors.Tensor.Value into a flat
// row-major slice.
func flatten[T any](val any) []T {
	switch v := val.(type) {
	case []T:
		return v
	case T:
		return []T{v}
	}
	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	var out []T
	for i := range rv.Len() {
		out = append(out, flatten[T](rv.Index(i).Interface())...)
	}
	return out
}
