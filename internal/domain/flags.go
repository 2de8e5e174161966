package domain

import "strings"

// Flags is a bitset of per-message flags. Each flag is independently
// settable.
type Flags uint8

const (
	FlagSeen Flags = 1 << iota
	FlagReplied
	FlagFlagged
	FlagDraft
	FlagDeleted
	FlagRecent
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagSeen, "Seen"},
	{FlagReplied, "Replied"},
	{FlagFlagged, "Flagged"},
	{FlagDraft, "Draft"},
	{FlagDeleted, "Deleted"},
	{FlagRecent, "Recent"},
}

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

func (f Flags) With(flag Flags) Flags {
	return f | flag
}

func (f Flags) Without(flag Flags) Flags {
	return f &^ flag
}

func (f Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// FlagDelta describes a flag mutation. Applying the same delta twice
// yields the same result as applying it once.
type FlagDelta struct {
	Add    Flags
	Remove Flags
}

// Apply returns f with the delta applied. Add wins over Remove when a
// flag appears in both.
func (d FlagDelta) Apply(f Flags) Flags {
	return (f &^ d.Remove) | d.Add
}

// Empty reports whether the delta changes nothing.
func (d FlagDelta) Empty() bool {
	return d.Add == 0 && d.Remove == 0
}
