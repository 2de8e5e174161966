package maildirfs

import (
	"sort"
	"strings"

	"github.com/petrel-mail/petrel/internal/domain"
)

// infoSeparator splits a maildir filename into the unique name and the
// info section carrying the flag characters.
const infoSeparator = ":2,"

// flagChars maps the maildir flag characters this backend owns. The
// maildir "P" (passed) character and any experimental characters are
// preserved verbatim across renames but not surfaced as flags.
var flagChars = []struct {
	ch   byte
	flag domain.Flags
}{
	{'D', domain.FlagDraft},
	{'F', domain.FlagFlagged},
	{'R', domain.FlagReplied},
	{'S', domain.FlagSeen},
	{'T', domain.FlagDeleted},
}

// splitFilename returns the unique portion of a maildir filename (the
// message UID) and its info suffix, which is empty for files that have
// no flag section yet (typically files still in new/).
func splitFilename(name string) (uid, info string) {
	if idx := strings.Index(name, infoSeparator); idx >= 0 {
		return name[:idx], name[idx+len(infoSeparator):]
	}
	return name, ""
}

// parseFlags decodes the flags encoded in an info suffix.
func parseFlags(info string) domain.Flags {
	var f domain.Flags
	for i := 0; i < len(info); i++ {
		for _, fc := range flagChars {
			if info[i] == fc.ch {
				f = f.With(fc.flag)
			}
		}
	}
	return f
}

// formatInfo encodes flags into an info suffix, keeping any characters
// from the previous suffix that this backend does not own. Characters
// are emitted in ASCII order as the maildir format requires.
func formatInfo(flags domain.Flags, previous string) string {
	chars := map[byte]bool{}
	for i := 0; i < len(previous); i++ {
		chars[previous[i]] = true
	}
	for _, fc := range flagChars {
		if flags.Has(fc.flag) {
			chars[fc.ch] = true
		} else {
			delete(chars, fc.ch)
		}
	}

	out := make([]byte, 0, len(chars))
	for ch := range chars {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return string(out)
}
