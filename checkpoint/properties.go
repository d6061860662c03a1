package checkpoint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Reserved property keys.
const (
	PropStep                 = "step"
	PropRound                = "round"
	PropWeightUpdateStep     = "weight_update_step"
	PropTrainingDataSetIndex = "training_data_set_index"
	PropLossScalerState      = "loss_scaler_state"

	propTensorDigest = "tensor_state_xxhash"
	propTensorCodec  = "tensor_state_codec"
)

// Properties are the string key/value pairs stored beside the tensor state.
type Properties map[string]string

func (p Properties) SetUint64(key string, v uint64) {
	p[key] = strconv.FormatUint(v, 10)
}

// String returns a required, non-empty property.
func (p Properties) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%w: property %q is missing", ErrCheckpoint, key)
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: property %q is empty", ErrCheckpoint, key)
	}
	return v, nil
}

// Uint64 returns a required unsigned integer property.
func (p Properties) Uint64(key string) (uint64, error) {
	raw, err := p.String(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: property %q is not an unsigned integer: %q", ErrCheckpoint, key, raw)
	}
	return v, nil
}

// Require checks every key is present before any is parsed.
func (p Properties) Require(keys ...string) error {
	missing := make([]string, 0)
	for _, key := range keys {
		if _, ok := p[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing properties %s", ErrCheckpoint, strings.Join(missing, ", "))
	}
	return nil
}

func (p Properties) clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
