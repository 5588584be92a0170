package config

import "fmt"

// CurrentVersion is the configuration schema version this build reads.
const CurrentVersion = 1

// VersionError reports a configuration version this build cannot read.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (supports %d); upgrade relay", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported (supports %d)", e.Version, e.Current)
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
