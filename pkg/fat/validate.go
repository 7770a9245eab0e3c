package fat

import (
	"fmt"
	"sort"

	"github.com/appsworld/mtool/types"
)

// ValidationStep names the check that rejected an archive.
type ValidationStep int

const (
	StepMagic ValidationStep = iota + 1
	StepWordSize
	StepOverlap
	StepBounds
	StepAlignment
	StepPadding
)

func (s ValidationStep) String() string {
	switch s {
	case StepMagic:
		return "magic"
	case StepWordSize:
		return "word size"
	case StepOverlap:
		return "overlap"
	case StepBounds:
		return "bounds"
	case StepAlignment:
		return "alignment"
	case StepPadding:
		return "padding"
	}
	return "unknown"
}

// ValidationError reports the first check an archive failed.
type ValidationError struct {
	Step   ValidationStep
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s check failed: %s", ErrMalformedArchive, e.Step, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrMalformedArchive }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Validate checks the structure of the archive and returns a
// *ValidationError for the first violation found.
func (a *Archive) Validate() error {
	if a.Magic != types.MagicFat && a.Magic != types.MagicFat64 {
		return &ValidationError{StepMagic, fmt.Sprintf("unknown magic %#x", uint32(a.Magic))}
	}

	if len(a.entries) > MaxEntries {
		return &ValidationError{StepWordSize, fmt.Sprintf("%d entries exceeds the limit of %d", len(a.entries), MaxEntries)}
	}
	table := a.tableEnd()
	if table > a.size {
		return &ValidationError{StepWordSize, fmt.Sprintf("entry table ends at %#x past the container (%#x bytes)", table, a.size)}
	}
	if !a.Is64Bit() {
		for _, e := range a.entries {
			if e.Offset > 1<<32-1 || e.Size > 1<<32-1 {
				return &ValidationError{StepWordSize, fmt.Sprintf("%s does not fit in a 32-bit entry", e)}
			}
		}
	}

	sorted := make([]Entry, len(a.entries))
	copy(sorted, a.entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var last *Entry // non-empty entry reaching furthest so far
	for i, e := range sorted {
		if e.Size > 0 && e.Offset < table {
			return &ValidationError{StepOverlap, fmt.Sprintf("%s overlaps the entry table", e)}
		}
		if e.end() < e.Offset {
			return &ValidationError{StepOverlap, fmt.Sprintf("%s wraps around", e)}
		}
		if e.Size == 0 {
			continue
		}
		if last != nil && e.Offset < last.end() {
			return &ValidationError{StepOverlap, fmt.Sprintf("%s overlaps %s", e, *last)}
		}
		if last == nil || e.end() > last.end() {
			last = &sorted[i]
		}
	}

	for _, e := range sorted {
		if e.end() > a.size {
			return &ValidationError{StepBounds, fmt.Sprintf("%s ends past the container (%#x bytes)", e, a.size)}
		}
	}

	for _, e := range sorted {
		if e.Align > MaxAlign {
			return &ValidationError{StepAlignment, fmt.Sprintf("%s declares an alignment above 2^%d", e, MaxAlign)}
		}
		if e.Offset%e.TrueAlign() != 0 {
			return &ValidationError{StepAlignment, fmt.Sprintf("%s is not aligned", e)}
		}
	}

	next := table
	for _, e := range sorted {
		if want := alignUp(next, e.TrueAlign()); e.Offset != want {
			return &ValidationError{StepPadding, fmt.Sprintf("%s should start at %#x", e, want)}
		}
		next = e.end()
	}
	return nil
}
