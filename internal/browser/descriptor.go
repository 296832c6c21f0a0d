// Package browser discovers locally installed web browsers and keeps the
// current inventory in memory.
package browser

// Descriptor identifies an installable browser. Empty ExecutablePath or
// Version means the value is unknown.
type Descriptor struct {
	Name           string `json:"name"`
	ExecutablePath string `json:"path,omitempty"`
	Version        string `json:"version,omitempty"`
}

// HasExecutable reports whether the descriptor carries a launchable path.
func (d Descriptor) HasExecutable() bool {
	return d.ExecutablePath != ""
}

// Find returns the descriptor whose Name matches name exactly
// (case-sensitive).
func Find(list []Descriptor, name string) (Descriptor, bool) {
	for _, d := range list {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}
