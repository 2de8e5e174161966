package domain

import "strings"

// Mailbox describes one folder within an account. Names form a tree
// using "/" as the hierarchy separator; root mailboxes have no parent.
type Mailbox struct {
	Name   string
	Total  int
	Unseen int

	// Cursor is the backend-specific sync token recorded after the last
	// completed sync of this mailbox. Empty means never synced.
	Cursor string
}

// Parent returns the name of the parent mailbox, or "" for a root.
func (m Mailbox) Parent() string {
	idx := strings.LastIndex(m.Name, "/")
	if idx < 0 {
		return ""
	}
	return m.Name[:idx]
}

// Base returns the final path component of the mailbox name.
func (m Mailbox) Base() string {
	idx := strings.LastIndex(m.Name, "/")
	if idx < 0 {
		return m.Name
	}
	return m.Name[idx+1:]
}
