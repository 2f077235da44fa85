// Package store implements the TFTP file source/sink (§4.3) and the
// sandbox authorization check (§4.8): every request filename is resolved
// against the server root and validated before any file is opened.
package store

import (
	"path/filepath"
	"strings"

	"github.com/rgtarno/go-tftpd/tftp"
)

// AuthError pairs a TFTP error code with the message to send on the wire.
type AuthError struct {
	Code    tftp.ErrorCode
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

func deny(code tftp.ErrorCode, msg string) *AuthError {
	return &AuthError{Code: code, Message: msg}
}

// hasRealSegment reports whether filename contains at least one path
// segment that is neither empty, ".", nor "..". An empty or all-"."/".."
// filename would otherwise resolve lexically to the server root itself.
func hasRealSegment(filename string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(filename), "/") {
		if seg != "" && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}

// Authorize resolves filename against root (which must already be an
// absolute, canonical directory) and checks it against the sandbox and
// overwrite/existence rules for the given direction. On success it returns
// the absolute path to open.
//
// Resolution is purely lexical: root/filename is joined and cleaned
// without requiring the result to exist and without following symlinks,
// matching the original implementation's weakly-canonical resolution.
func Authorize(root, filename string, forWrite bool, exists func(string) bool) (string, *AuthError) {
	if filename == "" || !hasRealSegment(filename) {
		return "", deny(tftp.ErrAccessViolation, "access violation")
	}

	resolved := filepath.Clean(filepath.Join(root, filename))
	if resolved == root {
		return "", deny(tftp.ErrAccessViolation, "access violation")
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", deny(tftp.ErrAccessViolation, "access violation")
	}

	present := exists(resolved)
	if forWrite {
		if present {
			return "", deny(tftp.ErrFileExists, "file already exists")
		}
		return resolved, nil
	}
	if !present {
		// Wire-compatible with the observed behavior of the original
		// implementation: a missing file maps to ACCESS_VIOLATION with
		// this specific message, not FILE_NOT_FOUND.
		return "", deny(tftp.ErrAccessViolation, "File not found")
	}
	return resolved, nil
}
