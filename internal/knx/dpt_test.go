package knx

import (
	"errors"
	"math"
	"testing"
)

// ─── Type tags ─────────────────────────────────────────────────────

func TestParseDatapointType(t *testing.T) {
	tests := []struct {
		input   string
		want    DatapointType
		wantStr string
		wantErr bool
	}{
		{"1.001", DPTSwitch, "1.001", false},
		{"9.1", DPTTemperature, "9.001", false},
		{"232.600", DatapointType{}, "", true},
		{"18.001", DPTSceneControl, "18.001", false},
		{"1", DatapointType{}, "", true},
		{"1.0001", DatapointType{}, "", true},
		{"DPT1.001", DatapointType{}, "", true},
		{"", DatapointType{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDatapointType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDatapointType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDPT) {
					t.Errorf("error %v does not wrap ErrInvalidDPT", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseDatapointType(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if got.String() != tt.wantStr {
				t.Errorf("String() = %q, want %q", got.String(), tt.wantStr)
			}
		})
	}
}

func TestDatapointTypeText(t *testing.T) {
	var dt DatapointType
	if err := dt.UnmarshalText([]byte("5.001")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if dt != DPTPercentage {
		t.Errorf("UnmarshalText() = %v, want %v", dt, DPTPercentage)
	}
	if err := dt.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) expected error")
	}
	text, _ := DPTTemperature.MarshalText()
	if string(text) != "9.001" {
		t.Errorf("MarshalText() = %q, want 9.001", text)
	}
}

// ─── DPT1 (Boolean) ────────────────────────────────────────────────

func TestDecodeDPT1(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    bool
		wantErr bool
	}{
		{"0x00 is false", []byte{0x00}, false, false},
		{"0x01 is true", []byte{0x01}, true, false},
		{"0x80 is false", []byte{0x80}, false, false},
		{"0x41 is true", []byte{0x41}, true, false},
		{"empty data", []byte{}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDPT1(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeDPT1() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("DecodeDPT1(%v) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

// ─── DPT3 (Dimming Control) ────────────────────────────────────────

func TestEncodeDPT3(t *testing.T) {
	tests := []struct {
		name string
		in   StepControl
		want byte
	}{
		{"increase 7 steps", StepControl{Increase: true, Steps: 7}, 0x0F},
		{"decrease 1 step", StepControl{Steps: 1}, 0x01},
		{"increase stop", StepControl{Increase: true}, 0x08},
		{"steps masked", StepControl{Increase: true, Steps: 15}, 0x0F},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeDPT3(tt.in)
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("EncodeDPT3(%+v) = %v, want [%02X]", tt.in, got, tt.want)
			}
			back, err := DecodeDPT3(got)
			if err != nil {
				t.Fatalf("DecodeDPT3() error = %v", err)
			}
			if back.Increase != tt.in.Increase || back.Steps != tt.in.Steps&0x07 {
				t.Errorf("DecodeDPT3() = %+v, want %+v", back, tt.in)
			}
		})
	}
}

// ─── DPT5 (Scaling) ────────────────────────────────────────────────

func TestEncodeDPT5(t *testing.T) {
	tests := []struct {
		percent float64
		want    byte
	}{
		{0, 0x00},
		{50, 0x80},
		{100, 0xFF},
		{-10, 0x00},
		{150, 0xFF},
	}

	for _, tt := range tests {
		got := EncodeDPT5(tt.percent)
		if got[0] != tt.want {
			t.Errorf("EncodeDPT5(%v) = %02X, want %02X", tt.percent, got[0], tt.want)
		}
	}
}

func TestDecodeDPT5Angle(t *testing.T) {
	got, err := DecodeDPT5Angle([]byte{0xFF})
	if err != nil {
		t.Fatalf("DecodeDPT5Angle() error = %v", err)
	}
	if got != 360 {
		t.Errorf("DecodeDPT5Angle(FF) = %v, want 360", got)
	}
	if _, err := DecodeDPT5Angle(nil); !errors.Is(err, ErrDecodingFailed) {
		t.Errorf("DecodeDPT5Angle(nil) error = %v, want ErrDecodingFailed", err)
	}
}

// ─── DPT9 (2-byte float) ───────────────────────────────────────────

func TestEncodeDPT9(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		want    []byte
		wantErr bool
	}{
		{"zero", 0, []byte{0x00, 0x00}, false},
		{"21 degrees", 21, []byte{0x0C, 0x1A}, false},
		{"minus one", -1, []byte{0x87, 0x9C}, false},
		{"too large", 700000, nil, true},
		{"too small", -700000, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeDPT9(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeDPT9(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got[0] != tt.want[0] || got[1] != tt.want[1] {
				t.Errorf("EncodeDPT9(%v) = % X, want % X", tt.value, got, tt.want)
			}
		})
	}
}

func TestDPT9RoundTrip(t *testing.T) {
	for _, v := range []float64{-273, -30.5, -0.5, 0.01, 19.96, 21.5, 100, 1000.5, 65000} {
		data, err := EncodeDPT9(v)
		if err != nil {
			t.Fatalf("EncodeDPT9(%v) error = %v", v, err)
		}
		got, err := DecodeDPT9(data)
		if err != nil {
			t.Fatalf("DecodeDPT9(% X) error = %v", data, err)
		}
		// Precision halves with every exponent step.
		tolerance := math.Max(0.01, math.Abs(v)*0.001)
		if math.Abs(got-v) > tolerance {
			t.Errorf("round trip %v -> % X -> %v", v, data, got)
		}
	}
}

func TestDecodeDPT9Invalid(t *testing.T) {
	if _, err := DecodeDPT9([]byte{0x7F, 0xFF}); !errors.Is(err, ErrDecodingFailed) {
		t.Errorf("DecodeDPT9(7FFF) error = %v, want ErrDecodingFailed", err)
	}
	if _, err := DecodeDPT9([]byte{0x0C}); !errors.Is(err, ErrDecodingFailed) {
		t.Errorf("DecodeDPT9(short) error = %v, want ErrDecodingFailed", err)
	}
}

// ─── DPT17/18 (Scenes) ─────────────────────────────────────────────

func TestEncodeDPT18(t *testing.T) {
	got, err := EncodeDPT18(SceneControl{Scene: 5, Learn: true})
	if err != nil {
		t.Fatalf("EncodeDPT18() error = %v", err)
	}
	if got[0] != 0x85 {
		t.Errorf("EncodeDPT18(learn 5) = %02X, want 85", got[0])
	}
	back, _ := DecodeDPT18(got)
	if back.Scene != 5 || !back.Learn {
		t.Errorf("DecodeDPT18() = %+v", back)
	}
	if _, err := EncodeDPT18(SceneControl{Scene: 64}); !errors.Is(err, ErrEncodingFailed) {
		t.Errorf("EncodeDPT18(64) error = %v, want ErrEncodingFailed", err)
	}
	if _, err := EncodeDPT17(64); !errors.Is(err, ErrEncodingFailed) {
		t.Errorf("EncodeDPT17(64) error = %v, want ErrEncodingFailed", err)
	}
}
