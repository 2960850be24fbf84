package knx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/vapourismo/knx-go/knx/dpt"
)

// Encode converts an attribute value into group telegram data for the
// given datapoint type.
//
// Types without a built-in codec are delegated to the knx-go dpt registry.
// The returned slice is ready for a GroupEvent: short types carry the value
// in the first octet, long types are prefixed with the APCI padding octet.
func Encode(t DatapointType, value any) ([]byte, error) {
	payload, ok, err := encodeBuiltin(t, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return encodeRegistry(t, value)
	}
	if t.short() {
		return payload, nil
	}
	return append([]byte{0x00}, payload...), nil
}

// Decode converts group telegram data into an attribute value.
//
// Built-in types decode to bool, float64, int, StepControl or SceneControl. Registry types decode to bool, float64 or string.
func Decode(t DatapointType, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty telegram data", ErrDecodingFailed)
	}
	payload := data
	if !t.short() && len(data) > 1 {
		payload = data[1:]
	}

	v, ok, err := decodeBuiltin(t, payload)
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}
	return decodeRegistry(t, data)
}

func encodeBuiltin(t DatapointType, value any) ([]byte, bool, error) {
	switch t.Main {
	case 1:
		b, err := toBool(value)
		if err != nil {
			return nil, true, err
		}
		return EncodeDPT1(b), true, nil
	case 3:
		c, err := toStepControl(value)
		if err != nil {
			return nil, true, err
		}
		return EncodeDPT3(c), true, nil
	case 5:
		f, err := toFloat(value)
		if err != nil {
			return nil, true, err
		}
		switch t.Sub {
		case 1:
			return EncodeDPT5(f), true, nil
		case 3:
			return EncodeDPT5Angle(f), true, nil
		default:
			if f < 0 || f > dpt5MaxValue {
				return nil, true, fmt.Errorf("%w: %s value must be 0-255, got %v", ErrEncodingFailed, t, f)
			}
			return []byte{uint8(math.Round(f))}, true, nil
		}
	case 9:
		f, err := toFloat(value)
		if err != nil {
			return nil, true, err
		}
		b, err := EncodeDPT9(f)
		return b, true, err
	case 17:
		n, err := toUint8(value)
		if err != nil {
			return nil, true, err
		}
		b, err := EncodeDPT17(n)
		return b, true, err
	case 18:
		c, err := toSceneControl(value)
		if err != nil {
			return nil, true, err
		}
		b, err := EncodeDPT18(c)
		return b, true, err
	default:
		return nil, false, nil
	}
}

func decodeBuiltin(t DatapointType, payload []byte) (any, bool, error) {
	switch t.Main {
	case 1:
		v, err := DecodeDPT1(payload)
		return v, true, err
	case 3:
		v, err := DecodeDPT3(payload)
		return v, true, err
	case 5:
		switch t.Sub {
		case 1:
			v, err := DecodeDPT5(payload)
			return v, true, err
		case 3:
			v, err := DecodeDPT5Angle(payload)
			return v, true, err
		default:
			if len(payload) < 1 {
				return nil, true, fmt.Errorf("%w: DPT5 requires 1 byte", ErrDecodingFailed)
			}
			return float64(payload[0]), true, nil
		}
	case 9:
		v, err := DecodeDPT9(payload)
		return v, true, err
	case 17:
		v, err := DecodeDPT17(payload)
		return int(v), true, err
	case 18:
		v, err := DecodeDPT18(payload)
		return v, true, err
	default:
		return nil, false, nil
	}
}

// encodeRegistry packs a value through a knx-go datapoint produced for the tag.
func encodeRegistry(t DatapointType, value any) ([]byte, error) {
	d, ok := dpt.Produce(t.String())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDPT, t)
	}

	rv := reflect.ValueOf(d)
	if rv.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("%w: %s has no settable value", ErrUnsupportedDPT, t)
	}
	ev := rv.Elem()

	switch ev.Kind() {
	case reflect.Bool:
		b, err := toBool(value)
		if err != nil {
			return nil, err
		}
		ev.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		ev.SetFloat(f)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		n := int64(math.Round(f))
		if ev.OverflowInt(n) {
			return nil, fmt.Errorf("%w: %v overflows %s", ErrEncodingFailed, value, t)
		}
		ev.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		if f < 0 || ev.OverflowUint(uint64(math.Round(f))) {
			return nil, fmt.Errorf("%w: %v out of range for %s", ErrEncodingFailed, value, t)
		}
		ev.SetUint(uint64(math.Round(f)))
	case reflect.String:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a string", ErrEncodingFailed, t)
		}
		ev.SetString(s)
	default:
		return nil, fmt.Errorf("%w: composite type %s cannot be written", ErrUnsupportedDPT, t)
	}

	return d.Pack(), nil
}

// decodeRegistry unpacks raw group data through a knx-go datapoint.
func decodeRegistry(t DatapointType, data []byte) (any, error) {
	d, ok := dpt.Produce(t.String())
	if !ok {
		return nil, fmt.Errorf("%w: %s (raw %s)", ErrUnsupportedDPT, t, hex.EncodeToString(data))
	}
	if err := d.Unpack(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecodingFailed, t, err)
	}

	ev := reflect.Indirect(reflect.ValueOf(d))
	switch ev.Kind() {
	case reflect.Bool:
		return ev.Bool(), nil
	case reflect.Float32, reflect.Float64:
		return ev.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(ev.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(ev.Uint()), nil
	default:
		return fmt.Sprint(d), nil
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: cannot use %q as boolean", ErrEncodingFailed, v)
		}
		return b, nil
	default:
		f, err := toFloat(value)
		if err != nil {
			return false, fmt.Errorf("%w: cannot use %T as boolean", ErrEncodingFailed, value)
		}
		return f != 0, nil
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: cannot use %q as number", ErrEncodingFailed, v)
		}
		return f, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: cannot use %T as number", ErrEncodingFailed, value)
	}
}

func toUint8(value any) (uint8, error) {
	f, err := toFloat(value)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > math.MaxUint8 {
		return 0, fmt.Errorf("%w: %v out of byte range", ErrEncodingFailed, value)
	}
	return uint8(math.Round(f)), nil
}

// toStepControl accepts a StepControl, a {"increase","steps"} object, or a
// signed step count where the sign selects the direction.
func toStepControl(value any) (StepControl, error) {
	switch v := value.(type) {
	case StepControl:
		return v, nil
	case map[string]any:
		inc, err := toBool(v["increase"])
		if err != nil {
			return StepControl{}, err
		}
		steps, err := toUint8(v["steps"])
		if err != nil {
			return StepControl{}, err
		}
		return StepControl{Increase: inc, Steps: steps}, nil
	default:
		f, err := toFloat(value)
		if err != nil {
			return StepControl{}, err
		}
		steps := math.Min(math.Abs(f), 7)
		return StepControl{Increase: f > 0, Steps: uint8(steps)}, nil
	}
}

// toSceneControl accepts a SceneControl, a {"scene","learn"} object, or a
// bare scene number meaning recall.
func toSceneControl(value any) (SceneControl, error) {
	switch v := value.(type) {
	case SceneControl:
		return v, nil
	case map[string]any:
		scene, err := toUint8(v["scene"])
		if err != nil {
			return SceneControl{}, err
		}
		learn := false
		if raw, ok := v["learn"]; ok {
			if learn, err = toBool(raw); err != nil {
				return SceneControl{}, err
			}
		}
		return SceneControl{Scene: scene, Learn: learn}, nil
	default:
		scene, err := toUint8(value)
		if err != nil {
			return SceneControl{}, err
		}
		return SceneControl{Scene: scene}, nil
	}
}
