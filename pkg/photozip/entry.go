package photozip

import "time"

// ArchiveRequest describes a single archive download. It is built once per
// request and never modified.
type ArchiveRequest struct {
	Identifier string
	Root       string
	Delay      time.Duration
}

// Entry is a directory (or file) under the root which existed when it was
// resolved.
type Entry struct {
	Identifier string
	Path       string
}

// Filename is the name the archive is offered to clients as.
func (e Entry) Filename() string { return e.Identifier + ".zip" }
