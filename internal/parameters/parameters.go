// Package parameters parses free-form "key=value,key2=value2" hyperparameter
// strings, used to configure model architecture from the command line without
// a flag per knob.
package parameters

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/nmtkit/nmtkit/internal/generics"
)

// Params holds raw hyperparameter assignments. Values are kept as strings
// until a typed accessor pulls them out.
type Params map[string]string

// FromString parses a comma separated list of key=value assignments. A key
// without '=' maps to the empty string, which bool accessors read as true.
func FromString(config string) Params {
	params := make(Params)
	if config == "" {
		return params
	}
	for _, part := range strings.Split(config, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			params[kv[0]] = kv[1]
		} else {
			params[kv[0]] = ""
		}
	}
	return params
}

// PopParamOr is GetParamOr plus removal of the key, so that AssertConsumed
// can flag leftovers afterwards.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr parses params[key] to T, or returns defaultValue when the key
// is absent. For bool a bare key counts as true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	raw, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var zero T
	toT := func(v any) T { return v.(T) }
	switch any(defaultValue).(type) {
	case string:
		return toT(raw), nil
	case int:
		if raw == "" {
			return defaultValue, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return zero, errors.Wrapf(err, "parsing hyperparameter %s=%q as int", key, raw)
		}
		return toT(v), nil
	case float32:
		if raw == "" {
			return defaultValue, nil
		}
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return zero, errors.Wrapf(err, "parsing hyperparameter %s=%q as float", key, raw)
		}
		return toT(float32(v)), nil
	case float64:
		if raw == "" {
			return defaultValue, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return zero, errors.Wrapf(err, "parsing hyperparameter %s=%q as float", key, raw)
		}
		return toT(v), nil
	case bool:
		switch strings.ToLower(raw) {
		case "", "true", "1":
			return toT(true), nil
		case "false", "0":
			return toT(false), nil
		}
		return zero, errors.Errorf("parsing hyperparameter %s=%q as bool", key, raw)
	}
	exceptions.Panicf("parameters: unsupported type %T for key %q", defaultValue, key)
	return zero, nil
}

// AssertConsumed errors if any keys remain after a sequence of PopParamOr
// calls, catching misspelled hyperparameters.
func AssertConsumed(params Params) error {
	if len(params) == 0 {
		return nil
	}
	return errors.Errorf("unknown hyperparameters: %s",
		strings.Join(slices.Collect(generics.SortedKeys(params)), ", "))
}
