package partition

import "fmt"

// Flags is the GPT attribute word of a set's boot partition. The bootloader reads the priority,
// tries-left and successful fields and decrements tries-left on every boot of an unsuccessful set.
type Flags uint64

const (
	priorityShift = 48
	triesShift    = 52
	fieldMask     = 0xf

	successfulBit        Flags = 1 << 56
	bootEverSucceededBit Flags = 1 << 57

	// MaxTries is the largest value the tries-left field holds.
	MaxTries = fieldMask
)

func (f Flags) Priority() uint8 {
	return uint8(f>>priorityShift) & fieldMask
}

// SetPriority stores p, which must not exceed 15.
func (f *Flags) SetPriority(p uint8) {
	*f = *f&^(fieldMask<<priorityShift) | Flags(p&fieldMask)<<priorityShift
}

func (f Flags) TriesLeft() uint8 {
	return uint8(f>>triesShift) & fieldMask
}

// SetTriesLeft stores n, which must not exceed MaxTries.
func (f *Flags) SetTriesLeft(n uint8) {
	*f = *f&^(fieldMask<<triesShift) | Flags(n&fieldMask)<<triesShift
}

func (f Flags) Successful() bool {
	return f&successfulBit != 0
}

func (f *Flags) SetSuccessful(ok bool) {
	if ok {
		*f |= successfulBit
	} else {
		*f &^= successfulBit
	}
}

// WillBoot reports whether the bootloader may select the set.
func (f Flags) WillBoot() bool {
	return (f.Priority() > 0 && f.TriesLeft() > 0) || f.Successful()
}

func (f Flags) String() string {
	return fmt.Sprintf("priority=%d tries_left=%d successful=%t", f.Priority(), f.TriesLeft(), f.Successful())
}
