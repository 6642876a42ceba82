// ABOUTME: Safety scanning collaborators for attachments
// ABOUTME: PolicyScanner classifies by MIME type and file name without reading bytes

package attachments

import (
	"context"
	"path"
	"strings"

	"github.com/2389/coven-messaging/internal/store"
)

// Verdict is a scanner's classification of one attachment.
type Verdict struct {
	Status store.ScanStatus // clean, infected or error
	Reason string
}

// Scanner inspects an attachment. Returning an error wrapping
// store.ErrTransient asks the pipeline to retry with backoff; any other
// error ends the scan in the error state.
type Scanner interface {
	Scan(ctx context.Context, att *store.Attachment) (Verdict, error)
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, att *store.Attachment) (Verdict, error)

// Scan implements Scanner.
func (f ScannerFunc) Scan(ctx context.Context, att *store.Attachment) (Verdict, error) {
	return f(ctx, att)
}

// DefaultBlockedMIMETypes are executable formats that are never published.
var DefaultBlockedMIMETypes = []string{
	"application/x-msdownload",
	"application/x-dosexec",
	"application/x-executable",
	"application/x-msi",
	"application/x-sh",
	"application/vnd.microsoft.portable-executable",
}

// DefaultAllowedMIMETypes lists accepted types. Entries ending in "/" or
// "." match as prefixes.
var DefaultAllowedMIMETypes = []string{
	"image/",
	"video/",
	"application/pdf",
	"text/plain",
	"text/csv",
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.",
}

var blockedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true,
	".msi": true, ".dll": true, ".sh": true, ".ps1": true, ".vbs": true,
}

// PolicyScanner is the built-in scanner. Blocked executables and the EICAR
// test file are infected; types outside the allow-list are rejected with an
// error verdict; everything else is clean.
type PolicyScanner struct {
	Blocked []string
	Allowed []string
}

// NewPolicyScanner returns a scanner using the given lists, or the
// defaults when a list is empty.
func NewPolicyScanner(blocked, allowed []string) *PolicyScanner {
	if len(blocked) == 0 {
		blocked = DefaultBlockedMIMETypes
	}
	if len(allowed) == 0 {
		allowed = DefaultAllowedMIMETypes
	}
	return &PolicyScanner{Blocked: blocked, Allowed: allowed}
}

// Scan implements Scanner.
func (s *PolicyScanner) Scan(ctx context.Context, att *store.Attachment) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	mime := strings.ToLower(strings.TrimSpace(att.MimeType))
	name := strings.ToLower(att.Name)

	if strings.Contains(name, "eicar") {
		return Verdict{Status: store.ScanInfected, Reason: "matched EICAR test signature"}, nil
	}
	for _, b := range s.Blocked {
		if mime == strings.ToLower(b) {
			return Verdict{Status: store.ScanInfected, Reason: "blocked executable type " + mime}, nil
		}
	}
	if blockedExtensions[path.Ext(name)] {
		return Verdict{Status: store.ScanInfected, Reason: "blocked executable extension " + path.Ext(name)}, nil
	}
	if !matchesAny(mime, s.Allowed) {
		return Verdict{Status: store.ScanError, Reason: "unsupported type " + mime}, nil
	}
	return Verdict{Status: store.ScanClean}, nil
}

func matchesAny(mime string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(p)
		if strings.HasSuffix(p, "/") || strings.HasSuffix(p, ".") {
			if strings.HasPrefix(mime, p) {
				return true
			}
			continue
		}
		if mime == p {
			return true
		}
	}
	return false
}
