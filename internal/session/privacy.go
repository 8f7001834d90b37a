package session

import (
	"crypto/sha256"
	"fmt"
	"path"
)

// PrivacyFilter masks sensitive fields in status snapshots before they leave
// over the REST surface. Transcripts and device identity stay full fidelity
// inside the process; only the outward copies are masked. The zero value is
// a no-op filter.
type PrivacyFilter struct {
	MaskTranscripts bool
	MaskDeviceIDs   bool
	AllowedDevices  []string
	BlockedDevices  []string
}

// IsAllowed reports whether the given device may open sessions and appear in
// listings. An empty device id is always allowed. When AllowedDevices is
// non-empty the id must match at least one pattern; if it passes the
// allowlist it must not match any BlockedDevices pattern. Patterns use
// path.Match syntax, e.g. "ward7-*".
func (f *PrivacyFilter) IsAllowed(deviceID string) bool {
	if deviceID == "" {
		return true
	}

	if len(f.AllowedDevices) > 0 {
		allowed := false
		for _, pattern := range f.AllowedDevices {
			if matched, _ := path.Match(pattern, deviceID); matched {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedDevices {
		if matched, _ := path.Match(pattern, deviceID); matched {
			return false
		}
	}

	return true
}

// Apply returns a copy of the status with sensitive fields masked according
// to the filter configuration.
func (f *PrivacyFilter) Apply(st Status) Status {
	if f.MaskTranscripts {
		st.LastText = ""
	}
	if f.MaskDeviceIDs && st.DeviceID != "" {
		st.DeviceID = shortHash(st.DeviceID)
	}
	return st
}

// FilterSlice returns a new slice containing only the allowed sessions, with
// masking applied to each. The input slice is not modified.
func (f *PrivacyFilter) FilterSlice(statuses []Status) []Status {
	result := make([]Status, 0, len(statuses))
	for _, st := range statuses {
		if !f.IsAllowed(st.DeviceID) {
			continue
		}
		result = append(result, f.Apply(st))
	}
	return result
}

// IsNoop reports whether the filter does nothing (no masking, no device
// filtering).
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskTranscripts && !f.MaskDeviceIDs &&
		len(f.AllowedDevices) == 0 && len(f.BlockedDevices) == 0
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
