// Package sysmode turns a system mode string such as "IAD" or "IAGT" into a
// validated capability set.
package sysmode

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidMode is returned for unknown or illegal flag combinations.
var ErrInvalidMode = errors.New("invalid system mode")

// Branch identifies the primary loss branch that runs for one evaluation.
type Branch int

const (
	BranchAdditive Branch = iota
	BranchGated
	BranchMixture
)

func (b Branch) String() string {
	switch b {
	case BranchAdditive:
		return "additive"
	case BranchGated:
		return "gated"
	case BranchMixture:
		return "mixture"
	default:
		return "unknown"
	}
}

// Mode is the set of active loss branches. Build it with Parse.
type Mode struct {
	Images     bool
	Attributes bool
	Denoise    bool
	Gated      bool
	Mixture    bool
	TrainGate  bool
}

// Parse validates flags once so illegal combinations fail at startup.
func Parse(raw string) (Mode, error) {
	flags := strings.ToUpper(strings.TrimSpace(raw))
	if flags == "" {
		return Mode{}, errors.Wrap(ErrInvalidMode, "empty mode")
	}

	var m Mode
	seen := make(map[rune]bool, len(flags))
	for _, r := range flags {
		if seen[r] {
			return Mode{}, errors.Wrapf(ErrInvalidMode, "flag %q repeated in %q", r, raw)
		}
		seen[r] = true
		switch r {
		case 'I':
			m.Images = true
		case 'A':
			m.Attributes = true
		case 'D':
			m.Denoise = true
		case 'G':
			m.Gated = true
		case 'M':
			m.Mixture = true
		case 'T':
			m.TrainGate = true
		default:
			return Mode{}, errors.Wrapf(ErrInvalidMode, "unknown flag %q in %q", r, raw)
		}
	}

	if err := m.Validate(); err != nil {
		return Mode{}, errors.Wrapf(err, "mode %q", raw)
	}
	return m, nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(raw string) Mode {
	m, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate enforces the legal combinations.
func (m Mode) Validate() error {
	switch {
	case m.Gated && m.Mixture:
		return errors.Wrap(ErrInvalidMode, "G and M are mutually exclusive")
	case m.TrainGate && !m.IsGated():
		return errors.Wrap(ErrInvalidMode, "T requires G or M")
	case m.Denoise && m.IsGated():
		return errors.Wrap(ErrInvalidMode, "D cannot be combined with G or M")
	case !m.IsGated() && !m.Images && !m.Attributes && !m.Denoise:
		return errors.Wrap(ErrInvalidMode, "no active branch")
	}
	return nil
}

// IsGated reports whether a mixture-of-experts branch is primary.
func (m Mode) IsGated() bool {
	return m.Gated || m.Mixture
}

// Primary returns the single branch that computes the total loss.
func (m Mode) Primary() Branch {
	switch {
	case m.Gated:
		return BranchGated
	case m.Mixture:
		return BranchMixture
	default:
		return BranchAdditive
	}
}

// UsesImages reports whether the image expert takes part in the forward pass.
func (m Mode) UsesImages() bool {
	return m.Images || m.Denoise || m.IsGated()
}

// UsesAttributes reports whether the attribute expert takes part in the forward pass.
func (m Mode) UsesAttributes() bool {
	return m.Attributes || m.IsGated()
}

// String renders the canonical flag order.
func (m Mode) String() string {
	var b strings.Builder
	for _, f := range []struct {
		on bool
		r  byte
	}{
		{m.Images, 'I'}, {m.Attributes, 'A'}, {m.Denoise, 'D'},
		{m.Gated, 'G'}, {m.Mixture, 'M'}, {m.TrainGate, 'T'},
	} {
		if f.on {
			b.WriteByte(f.r)
		}
	}
	return b.String()
}
