package util

import (
	"fmt"
	"regexp"
)

var (
	// Labels for projects, nodes, nics, networks and switches.
	labelRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)
	// Port labels also carry slashes ("gi1/0/1", "Ethernet1/1").
	portLabelRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/-]*$`)
)

const maxLabelLen = 64

// ValidateLabel rejects empty, overlong, or reserved-character names. kind
// is used only in the message ("node", "network", ...).
func ValidateLabel(kind, label string) error {
	if label == "" {
		return NewValidationError(kind + " name is required")
	}
	if len(label) > maxLabelLen {
		return NewValidationError(fmt.Sprintf("%s name %q longer than %d characters", kind, label, maxLabelLen))
	}
	if !labelRe.MatchString(label) {
		return NewValidationError(fmt.Sprintf("%s name %q contains reserved characters", kind, label))
	}
	return nil
}

// ValidatePortLabel is ValidateLabel for switch port names.
func ValidatePortLabel(label string) error {
	if label == "" {
		return NewValidationError("port name is required")
	}
	if len(label) > maxLabelLen || !portLabelRe.MatchString(label) {
		return NewValidationError(fmt.Sprintf("port name %q is not a valid interface label", label))
	}
	return nil
}

// ValidateLabels checks several kind/label pairs and reports all failures
// at once. pairs alternates kind, label.
func ValidateLabels(pairs ...string) error {
	v := &ValidationBuilder{}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.AddErr(ValidateLabel(pairs[i], pairs[i+1]))
	}
	return v.Build()
}
