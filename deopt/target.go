package deopt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Target describes the machine the rebuilt frames are laid out for.
type Target struct {
	Name      string
	ByteOrder binary.ByteOrder
	WordSize  int

	// FramePointerChain is true when every frame stores its caller's
	// frame pointer next to the return address.
	FramePointerChain bool
}

var (
	AMD64   = Target{Name: "amd64", ByteOrder: binary.LittleEndian, WordSize: 8, FramePointerChain: true}
	AArch64 = Target{Name: "aarch64", ByteOrder: binary.LittleEndian, WordSize: 8, FramePointerChain: true}
	RISCV64 = Target{Name: "riscv64", ByteOrder: binary.LittleEndian, WordSize: 8}
	S390X   = Target{Name: "s390x", ByteOrder: binary.BigEndian, WordSize: 8}
)

var targets = []Target{AMD64, AArch64, RISCV64, S390X}

// TargetByName returns the preset with the given name. "arm64" and
// "x86_64" are accepted as aliases.
func TargetByName(name string) (Target, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "x86_64", "x86-64":
		name = "amd64"
	case "arm64":
		name = "aarch64"
	}
	for _, t := range targets {
		if t.Name == name {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("unknown target %q", name)
}

// ReferenceSize returns the number of bytes an object reference occupies.
func (t Target) ReferenceSize(compressed bool) int {
	if compressed {
		return 4
	}
	return t.WordSize
}

// frameHeaderSize is the size of the return address plus, on targets with
// a frame pointer chain, the saved frame pointer.
func (t Target) frameHeaderSize() int {
	if t.FramePointerChain {
		return 2 * t.WordSize
	}
	return t.WordSize
}

func (t Target) String() string {
	return t.Name
}
