// Package collab defines the narrow interfaces through which the session
// core consumes its external collaborators: presentation surfaces, settings
// persistence, and session-scoped resource cleanup. The implementations
// (browser launchers, GUI shells, settings files) live outside this
// repository.
package collab

// SurfaceOpener opens a user-facing surface (browser tab, desktop shell
// window) for the given URL.
type SurfaceOpener interface {
	OpenSurface(url string) error
}

// ResourceReleaser releases collaborator-owned resources tied to a session:
// spawned subprocesses, temp files. Called when a session is finalized,
// whatever the reason.
type ResourceReleaser interface {
	Release(sessionID string)
}

// SettingsStore stores and retrieves an opaque settings blob for the UI.
type SettingsStore interface {
	Store(blob []byte) error
	Retrieve() ([]byte, error)
}

// NopSurfaceOpener is a SurfaceOpener that does nothing.
type NopSurfaceOpener struct{}

func (NopSurfaceOpener) OpenSurface(string) error { return nil }

// NopResourceReleaser is a ResourceReleaser that does nothing.
type NopResourceReleaser struct{}

func (NopResourceReleaser) Release(string) {}

// MemorySettingsStore keeps the settings blob in memory. Useful as a default
// and in tests.
type MemorySettingsStore struct {
	blob []byte
}

func (m *MemorySettingsStore) Store(blob []byte) error {
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *MemorySettingsStore) Retrieve() ([]byte, error) {
	return append([]byte(nil), m.blob...), nil
}
