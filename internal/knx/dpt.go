package knx

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// DatapointType identifies how a group value is encoded on the bus.
//
// Format: "main.sub" (e.g., "1.001", "9.001"). The subtype may be written
// without padding ("9.1"); String always renders the canonical padded form.
type DatapointType struct {
	Main uint16
	Sub  uint16
}

var dptPattern = regexp.MustCompile(`^(\d{1,2})\.(\d{1,3})$`)

// Common datapoint types handled by the built-in codecs.
var (
	DPTSwitch       = DatapointType{Main: 1, Sub: 1}
	DPTDimming      = DatapointType{Main: 3, Sub: 7}
	DPTPercentage   = DatapointType{Main: 5, Sub: 1}
	DPTAngle        = DatapointType{Main: 5, Sub: 3}
	DPTTemperature  = DatapointType{Main: 9, Sub: 1}
	DPTSceneNumber  = DatapointType{Main: 17, Sub: 1}
	DPTSceneControl = DatapointType{Main: 18, Sub: 1}
)

// ParseDatapointType parses a datapoint type tag.
//
// Returns ErrInvalidDPT if the tag does not match main.sub with a 1-2 digit
// main number and a 1-3 digit subtype.
func ParseDatapointType(s string) (DatapointType, error) {
	m := dptPattern.FindStringSubmatch(s)
	if m == nil {
		return DatapointType{}, fmt.Errorf("%w: expected main.sub, got %q", ErrInvalidDPT, s)
	}
	main, _ := strconv.ParseUint(m[1], 10, 16) //nolint:errcheck // guaranteed digits by pattern
	sub, _ := strconv.ParseUint(m[2], 10, 16)  //nolint:errcheck // guaranteed digits by pattern
	return DatapointType{Main: uint16(main), Sub: uint16(sub)}, nil
}

// String returns the canonical tag, e.g. "1.001".
func (t DatapointType) String() string {
	return fmt.Sprintf("%d.%03d", t.Main, t.Sub)
}

// MarshalText implements encoding.TextMarshaler.
func (t DatapointType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DatapointType) UnmarshalText(text []byte) error {
	parsed, err := ParseDatapointType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// short reports whether values of this type fit in the 6 bits that travel
// inside the APCI octet rather than in separate data octets.
func (t DatapointType) short() bool {
	switch t.Main {
	case 1, 2, 3, 23:
		return true
	default:
		return false
	}
}

// KNX datapoint encoding constants.
const (
	dpt5MaxValue     = 255
	dpt5AngleMax     = 360
	dpt9MaxExponent  = 15
	dpt9MantissaMask = 0x07FF
	dpt9Invalid      = 0x7FFF
	dpt17MaxScene    = 63
	dpt17SceneMask   = 0x3F
)

// StepControl is a DPT 3 relative dimming or blind step.
type StepControl struct {
	Increase bool  `json:"increase"`
	Steps    uint8 `json:"steps"`
}

// SceneControl is a DPT 18 scene recall or learn request.
type SceneControl struct {
	Scene uint8 `json:"scene"`
	Learn bool  `json:"learn"`
}

// EncodeDPT1 encodes a boolean value to 1-bit KNX format.
func EncodeDPT1(value bool) []byte {
	if value {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// DecodeDPT1 decodes a 1-bit KNX value to boolean.
func DecodeDPT1(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, fmt.Errorf("%w: DPT1 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return (data[0] & 0x01) != 0, nil
}

// EncodeDPT3 encodes a dimming/blind step. Bit 3 is the direction and bits
// 0-2 the step code, where 0 means stop.
func EncodeDPT3(c StepControl) []byte {
	var value byte
	if c.Increase {
		value = 0x08
	}
	value |= c.Steps & 0x07
	return []byte{value}
}

// DecodeDPT3 decodes a dimming/blind step.
func DecodeDPT3(data []byte) (StepControl, error) {
	if len(data) < 1 {
		return StepControl{}, fmt.Errorf("%w: DPT3 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return StepControl{Increase: data[0]&0x08 != 0, Steps: data[0] & 0x07}, nil
}

// EncodeDPT5 scales a percentage (clamped to 0-100) onto 0-255.
func EncodeDPT5(percent float64) []byte {
	percent = math.Max(0, math.Min(100, percent))
	return []byte{uint8(math.Round(percent * dpt5MaxValue / 100))}
}

// DecodeDPT5 scales a 1-byte value onto 0-100%.
func DecodeDPT5(data []byte) (float64, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: DPT5 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return float64(data[0]) * 100 / dpt5MaxValue, nil
}

// EncodeDPT5Angle scales an angle (clamped to 0-360) onto 0-255.
func EncodeDPT5Angle(angle float64) []byte {
	angle = math.Max(0, math.Min(dpt5AngleMax, angle))
	return []byte{uint8(math.Round(angle * dpt5MaxValue / dpt5AngleMax))}
}

// DecodeDPT5Angle scales a 1-byte value onto 0-360°.
func DecodeDPT5Angle(data []byte) (float64, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: DPT5 angle requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return float64(data[0]) * dpt5AngleMax / dpt5MaxValue, nil
}

// EncodeDPT9 encodes a value in the KNX 2-byte float format.
//
//	Byte 0: SEEE EMMM
//	Byte 1: MMMM MMMM
//
// Value = 0.01 × Mantissa × 2^Exponent, mantissa in two's complement.
func EncodeDPT9(value float64) ([]byte, error) {
	if value < -671088.64 || value > 670760.96 {
		return nil, fmt.Errorf("%w: DPT9 value out of range: %.2f", ErrEncodingFailed, value)
	}

	mantissa := math.Round(value * 100)
	exp := 0
	for mantissa < -2048 || mantissa > 2047 {
		mantissa = math.Round(mantissa / 2)
		exp++
	}
	if exp > dpt9MaxExponent {
		return nil, fmt.Errorf("%w: DPT9 exponent overflow for value %.2f", ErrEncodingFailed, value)
	}

	m := uint16(int16(mantissa)) & dpt9MantissaMask //nolint:gosec // mantissa bounded to 12 bits
	var sign uint16
	if mantissa < 0 {
		sign = 0x8000
	}
	encoded := sign | uint16(exp)<<11 | m //nolint:gosec // exp bounded above
	return []byte{byte(encoded >> 8), byte(encoded)}, nil
}

// DecodeDPT9 decodes a KNX 2-byte float. 0x7FFF is the "invalid data" marker.
func DecodeDPT9(data []byte) (float64, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: DPT9 requires 2 bytes, got %d", ErrDecodingFailed, len(data))
	}

	raw := uint16(data[0])<<8 | uint16(data[1])
	if raw == dpt9Invalid {
		return 0, fmt.Errorf("%w: DPT9 invalid value 0x7FFF", ErrDecodingFailed)
	}

	exp := (raw >> 11) & 0x0F
	mantissa := int16(raw & dpt9MantissaMask) //nolint:gosec // 11-bit value fits in int16
	if raw&0x8000 != 0 {
		mantissa |= -0x800
	}

	return float64(mantissa) * 0.01 * math.Pow(2, float64(exp)), nil
}

// EncodeDPT17 encodes a scene number (0-63).
func EncodeDPT17(scene uint8) ([]byte, error) {
	if scene > dpt17MaxScene {
		return nil, fmt.Errorf("%w: DPT17 scene must be 0-%d, got %d", ErrEncodingFailed, dpt17MaxScene, scene)
	}
	return []byte{scene}, nil
}

// DecodeDPT17 decodes a scene number.
func DecodeDPT17(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: DPT17 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return data[0] & dpt17SceneMask, nil
}

// EncodeDPT18 encodes a scene control; bit 7 selects learn over recall.
func EncodeDPT18(c SceneControl) ([]byte, error) {
	if c.Scene > dpt17MaxScene {
		return nil, fmt.Errorf("%w: DPT18 scene must be 0-%d, got %d", ErrEncodingFailed, dpt17MaxScene, c.Scene)
	}
	value := c.Scene
	if c.Learn {
		value |= 0x80
	}
	return []byte{value}, nil
}

// DecodeDPT18 decodes a scene control.
func DecodeDPT18(data []byte) (SceneControl, error) {
	if len(data) < 1 {
		return SceneControl{}, fmt.Errorf("%w: DPT18 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return SceneControl{Scene: data[0] & dpt17SceneMask, Learn: data[0]&0x80 != 0}, nil
}
