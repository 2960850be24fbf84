package gateway

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/nerrad567/knx-gateway/internal/knx"
)

// Configuration field names used in validation failures.
const (
	FieldConnectionType  = "connection_type"
	FieldGatewayIP       = "gateway_ip"
	FieldPort            = "gateway_port"
	FieldUseNAT          = "use_nat"
	FieldLocalBusAddress = "local_bus_address"
	FieldLocalIP         = "local_ip"
)

// FailureReason classifies a validation failure.
type FailureReason string

// Validation failure reasons.
const (
	FailurePatternMismatch FailureReason = "pattern_mismatch"
	FailureMissing         FailureReason = "missing"
	FailureInvalidValue    FailureReason = "invalid_value"
	FailureOutOfRange      FailureReason = "out_of_range"
)

const maxPort = 65535

var (
	connectionTypePattern = regexp.MustCompile(`^(tunnel|route)$`)
	portPattern           = regexp.MustCompile(`^[1-9][0-9]*$`)
)

// ValidationFailure describes one problem with one configuration field.
type ValidationFailure struct {
	Field   string        `json:"field"`
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
}

func (f ValidationFailure) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// ValidationResult collects every failure found in a configuration.
type ValidationResult struct {
	Failures []ValidationFailure `json:"failures"`
}

// Valid reports whether the configuration may be activated.
func (r ValidationResult) Valid() bool {
	return len(r.Failures) == 0
}

// Err returns nil for a valid result, otherwise an error wrapping
// ErrConfigurationInvalid that lists every failure.
func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		msgs[i] = f.String()
	}
	return fmt.Errorf("%w: %s", ErrConfigurationInvalid, strings.Join(msgs, "; "))
}

func (r *ValidationResult) add(field string, reason FailureReason, format string, args ...any) {
	r.Failures = append(r.Failures, ValidationFailure{
		Field:   field,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate checks a proposed configuration without side effects.
//
// Failures accumulate; validation never stops at the first problem. An
// absent connection type means tunnelling. Routing may omit the gateway
// address, in which case the standard multicast group is used.
func Validate(cfg GatewayConfig) ValidationResult {
	var res ValidationResult

	mode := strings.TrimSpace(cfg.ConnectionType)
	if mode == "" {
		mode = string(knx.ModeTunnel)
	}
	if !connectionTypePattern.MatchString(mode) {
		res.add(FieldConnectionType, FailurePatternMismatch, "must be tunnel or route, got %q", cfg.ConnectionType)
	}

	address := strings.TrimSpace(cfg.GatewayIP)
	ipFound := mode == string(knx.ModeRoute) || address != ""
	if !ipFound {
		res.add(FieldGatewayIP, FailureMissing, "gateway address is required for tunnelling")
	}
	if mode == string(knx.ModeRoute) && address != "" {
		if ip := net.ParseIP(address); ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			res.add(FieldGatewayIP, FailureInvalidValue, "routing address must be an IPv4 multicast group, got %q", address)
		}
	}

	if cfg.Port != "" {
		if !portPattern.MatchString(cfg.Port) {
			res.add(FieldPort, FailurePatternMismatch, "must be a positive integer, got %q", cfg.Port)
		} else if port, err := strconv.Atoi(cfg.Port); err != nil || port > maxPort {
			res.add(FieldPort, FailureOutOfRange, "must be 1-%d, got %s", maxPort, cfg.Port)
		}
	}

	if cfg.UseNAT != "" {
		if _, err := strconv.ParseBool(cfg.UseNAT); err != nil {
			res.add(FieldUseNAT, FailureInvalidValue, "must be a boolean, got %q", cfg.UseNAT)
		}
	}

	if cfg.LocalBusAddress != "" {
		if _, err := knx.ParseIndividualAddress(cfg.LocalBusAddress); err != nil {
			res.add(FieldLocalBusAddress, FailurePatternMismatch, "must be area.line.device, got %q", cfg.LocalBusAddress)
		}
	}

	if cfg.LocalIP != "" && net.ParseIP(strings.TrimSpace(cfg.LocalIP)) == nil {
		res.add(FieldLocalIP, FailureInvalidValue, "must be an IP address, got %q", cfg.LocalIP)
	}

	return res
}
