package method

import "context"

// Disabled is a catalogue entry for a method this build cannot offer. It
// is listed but never activates.
type Disabled struct {
	kind  Kind
	group string
	label string
}

func NewDisabled(kind Kind, group, label string) *Disabled {
	return &Disabled{kind: kind, group: group, label: label}
}

// Unavailable returns the entries for the methods that need hardware or
// infrastructure this program does not support.
func Unavailable() []Method {
	return []Method{
		NewDisabled(KindBLE, "Wireless", "Connect using bluetooth (BLE)"),
		NewDisabled(KindSound, "Wireless", "Connect using sound waves"),
		NewDisabled(KindServer, "Manual", "Connect using a public routing server"),
	}
}

func (d *Disabled) Kind() Kind { return d.kind }

func (d *Disabled) Present() Presentation {
	return Presentation{Kind: d.kind, Group: d.group, Label: d.label, Disabled: true}
}

func (d *Disabled) Activate(context.Context) error { return ErrMethodDisabled }

func (d *Disabled) Deactivate(context.Context) error { return nil }
