package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/PipeOpsHQ/pipetrain-go/tensor"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	TensorFile     = "tensors.zst"
	PropertiesFile = "properties.json"

	codecName = "json+zstd/v1"
)

type StateSource interface {
	StateTensors(ctx context.Context) (map[string]tensor.Value, error)
}

// Info describes a written checkpoint.
type Info struct {
	Path       string
	Tensors    int
	RawBytes   int64
	Compressed int64
	Digest     string
}

type tensorRecord struct {
	Name  string  `json:"name"`
	DType string  `json:"dtype"`
	Shape []int64 `json:"shape"`
	Data  []byte  `json:"data"`
}

// Save writes the state tensors of src and props into dir. The checkpoint is
// assembled in a sibling temp directory and renamed into place, so dir is
// either absent or complete.
func Save(ctx context.Context, dir string, src StateSource, props Properties) (Info, error) {
	if src == nil {
		return Info{}, fmt.Errorf("%w: state source is required", ErrCheckpoint)
	}
	state, err := src.StateTensors(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("%w: failed to read state tensors: %w", ErrCheckpoint, err)
	}
	raw, err := encodeTensors(state)
	if err != nil {
		return Info{}, err
	}
	digest := strconv.FormatUint(xxhash.Sum64(raw), 16)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return Info{}, fmt.Errorf("%w: failed to create encoder: %w", ErrCheckpoint, err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	all := props.clone()
	all[propTensorDigest] = digest
	all[propTensorCodec] = codecName
	propsRaw, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("%w: failed to encode properties: %w", ErrCheckpoint, err)
	}

	tmp := dir + tmpSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return Info{}, fmt.Errorf("%w: failed to clear %s: %w", ErrCheckpoint, tmp, err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return Info{}, fmt.Errorf("%w: failed to create %s: %w", ErrCheckpoint, tmp, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, TensorFile), compressed, 0o644); err != nil {
		return Info{}, fmt.Errorf("%w: failed to write tensor state: %w", ErrCheckpoint, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, PropertiesFile), propsRaw, 0o644); err != nil {
		return Info{}, fmt.Errorf("%w: failed to write properties: %w", ErrCheckpoint, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return Info{}, fmt.Errorf("%w: failed to replace %s: %w", ErrCheckpoint, dir, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return Info{}, fmt.Errorf("%w: failed to publish %s: %w", ErrCheckpoint, dir, err)
	}
	return Info{
		Path:       dir,
		Tensors:    len(state),
		RawBytes:   int64(len(raw)),
		Compressed: int64(len(compressed)),
		Digest:     digest,
	}, nil
}

// Load reads a checkpoint written by Save and verifies its tensor digest.
func Load(ctx context.Context, dir string) (map[string]tensor.Value, Properties, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	propsRaw, err := os.ReadFile(filepath.Join(dir, PropertiesFile))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to read properties of %s: %w", ErrCheckpoint, dir, err)
	}
	props := Properties{}
	if err := json.Unmarshal(propsRaw, &props); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed properties in %s: %w", ErrCheckpoint, dir, err)
	}
	if codec, ok := props[propTensorCodec]; ok && codec != codecName {
		return nil, nil, fmt.Errorf("%w: unsupported tensor codec %q", ErrCheckpoint, codec)
	}

	compressed, err := os.ReadFile(filepath.Join(dir, TensorFile))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to read tensor state of %s: %w", ErrCheckpoint, dir, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to create decoder: %w", ErrCheckpoint, err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: corrupt tensor state in %s: %w", ErrCheckpoint, dir, err)
	}
	if want, ok := props[propTensorDigest]; ok {
		if got := strconv.FormatUint(xxhash.Sum64(raw), 16); got != want {
			return nil, nil, fmt.Errorf("%w: tensor state digest %s does not match %s", ErrCheckpoint, got, want)
		}
	}
	state, err := decodeTensors(raw)
	if err != nil {
		return nil, nil, err
	}
	delete(props, propTensorDigest)
	delete(props, propTensorCodec)
	return state, props, nil
}

func encodeTensors(state map[string]tensor.Value) ([]byte, error) {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)
	records := make([]tensorRecord, 0, len(names))
	for _, name := range names {
		v := state[name]
		payload, err := encodePayload(v)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", ErrCheckpoint, name, err)
		}
		records = append(records, tensorRecord{Name: name, DType: v.DType().String(), Shape: v.Shape(), Data: payload})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode tensors: %w", ErrCheckpoint, err)
	}
	return raw, nil
}

func decodeTensors(raw []byte) (map[string]tensor.Value, error) {
	var records []tensorRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: malformed tensor state: %w", ErrCheckpoint, err)
	}
	state := make(map[string]tensor.Value, len(records))
	for _, rec := range records {
		dtype, err := tensor.ParseDType(rec.DType)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", ErrCheckpoint, rec.Name, err)
		}
		v, err := decodePayload(dtype, tensor.Shape(rec.Shape), rec.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", ErrCheckpoint, rec.Name, err)
		}
		state[rec.Name] = v
	}
	return state, nil
}

func encodePayload(v tensor.Value) ([]byte, error) {
	out := make([]byte, v.ByteSize())
	switch v.DType() {
	case tensor.Float32:
		vals, _ := v.Float32s()
		for i, f := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
		}
	case tensor.Float64:
		vals, _ := v.Float64s()
		for i, f := range vals {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(f))
		}
	case tensor.Int64:
		vals, _ := v.Int64s()
		for i, n := range vals {
			binary.LittleEndian.PutUint64(out[i*8:], uint64(n))
		}
	case tensor.Bool:
		vals, _ := v.Bools()
		for i, b := range vals {
			if b {
				out[i] = 1
			}
		}
	default:
		return nil, errors.New("invalid tensor")
	}
	return out, nil
}

func decodePayload(dtype tensor.DType, shape tensor.Shape, data []byte) (tensor.Value, error) {
	n := int(shape.NumElements())
	if len(data) != n*dtype.Size() {
		return tensor.Value{}, fmt.Errorf("payload of %d bytes for %d %s elements", len(data), n, dtype)
	}
	switch dtype {
	case tensor.Float32:
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return tensor.FromFloat32(shape, vals)
	case tensor.Float64:
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return tensor.FromFloat64(shape, vals)
	case tensor.Int64:
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return tensor.FromInt64(shape, vals)
	case tensor.Bool:
		vals := make([]bool, n)
		for i := range vals {
			vals[i] = data[i] != 0
		}
		return tensor.FromBool(shape, vals)
	default:
		return tensor.Value{}, fmt.Errorf("unsupported dtype %s", dtype)
	}
}
