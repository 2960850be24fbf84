package knx

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/vapourismo/knx-go/knx/cemi"
)

// GroupAddress represents a KNX group address in 3-level format.
//
// Format: Main.Middle.Sub
//   - Main:   0-31 (5 bits)
//   - Middle: 0-7  (3 bits)
//   - Sub:    0-255 (8 bits)
type GroupAddress struct {
	Main   uint8
	Middle uint8
	Sub    uint8
}

// Address limits of the KNX standard.
const (
	maxMain   = 31
	maxMiddle = 7
	maxSub    = 255

	maxArea   = 15
	maxLine   = 15
	maxDevice = 255
)

var (
	groupAddressPattern      = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)
	individualAddressPattern = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{1,3})$`)
)

// ParseGroupAddress parses a dotted 3-level group address such as "1.2.3".
//
// Returns ErrInvalidGroupAddress if the format or any level range is wrong.
func ParseGroupAddress(s string) (GroupAddress, error) {
	m := groupAddressPattern.FindStringSubmatch(s)
	if m == nil {
		return GroupAddress{}, fmt.Errorf("%w: expected main.middle.sub, got %q", ErrInvalidGroupAddress, s)
	}

	levels, err := parseLevels(m[1:], [3]uint64{maxMain, maxMiddle, maxSub})
	if err != nil {
		return GroupAddress{}, fmt.Errorf("%w: %q: %w", ErrInvalidGroupAddress, s, err)
	}

	return GroupAddress{Main: levels[0], Middle: levels[1], Sub: levels[2]}, nil
}

// String returns the group address in dotted 3-level format.
func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", ga.Main, ga.Middle, ga.Sub)
}

// ToUint16 converts the group address to its 16-bit wire value.
//
// Layout: MMMM MSSS SSSS SSSS
func (ga GroupAddress) ToUint16() uint16 {
	return uint16(ga.Main)<<11 | uint16(ga.Middle)<<8 | uint16(ga.Sub)
}

// GroupAddressFromUint16 creates a GroupAddress from its 16-bit wire value.
func GroupAddressFromUint16(value uint16) GroupAddress {
	return GroupAddress{
		Main:   uint8((value >> 11) & 0x1F), //nolint:gosec // masked to 5 bits
		Middle: uint8((value >> 8) & 0x07),  //nolint:gosec // masked to 3 bits
		Sub:    uint8(value & 0xFF),         //nolint:gosec // masked to 8 bits
	}
}

func (ga GroupAddress) cemi() cemi.GroupAddr {
	return cemi.GroupAddr(ga.ToUint16())
}

func groupAddressFromCEMI(addr cemi.GroupAddr) GroupAddress {
	return GroupAddressFromUint16(uint16(addr))
}

// IndividualAddress is a KNX device (source) address in area.line.device form.
type IndividualAddress struct {
	Area   uint8
	Line   uint8
	Device uint8
}

// ParseIndividualAddress parses an individual address such as "1.1.20".
//
// Ranges: area 0-15, line 0-15, device 0-255.
func ParseIndividualAddress(s string) (IndividualAddress, error) {
	m := individualAddressPattern.FindStringSubmatch(s)
	if m == nil {
		return IndividualAddress{}, fmt.Errorf("%w: expected area.line.device, got %q", ErrInvalidIndividualAddress, s)
	}

	levels, err := parseLevels(m[1:], [3]uint64{maxArea, maxLine, maxDevice})
	if err != nil {
		return IndividualAddress{}, fmt.Errorf("%w: %q: %w", ErrInvalidIndividualAddress, s, err)
	}

	return IndividualAddress{Area: levels[0], Line: levels[1], Device: levels[2]}, nil
}

// String returns the address in area.line.device form.
func (ia IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", ia.Area, ia.Line, ia.Device)
}

func (ia IndividualAddress) cemi() cemi.IndividualAddr {
	return cemi.IndividualAddr(uint16(ia.Area)<<12 | uint16(ia.Line)<<8 | uint16(ia.Device))
}

// parseLevels converts three decimal strings, checking each against its limit.
func parseLevels(parts []string, limits [3]uint64) ([3]uint8, error) {
	var out [3]uint8
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return out, fmt.Errorf("level %d: %w", i+1, err)
		}
		if v > limits[i] {
			return out, fmt.Errorf("level %d must be 0-%d, got %d", i+1, limits[i], v)
		}
		out[i] = uint8(v) //nolint:gosec // bounded by limits above
	}
	return out, nil
}
