package config

import "fmt"

// CurrentVersion is the configuration file format understood by this build.
const CurrentVersion = 1

// VersionProblem says how a file's version differs from CurrentVersion.
type VersionProblem string

const (
	VersionMissing  VersionProblem = "missing"
	VersionOutdated VersionProblem = "outdated"
	VersionTooNew   VersionProblem = "too new"
)

// VersionError reports a config file written for another format version.
type VersionError struct {
	Version int
	Current int
	Problem VersionProblem
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Problem {
	case VersionMissing:
		return fmt.Sprintf("config has no version, set version: %d", e.Current)
	case VersionOutdated:
		return fmt.Sprintf("config version %d is outdated (current: %d), migrate it and set version: %d", e.Version, e.Current, e.Current)
	case VersionTooNew:
		return fmt.Sprintf("config version %d is newer than this build (current: %d), upgrade nexusd to continue", e.Version, e.Current)
	default:
		return fmt.Sprintf("config version %d is unsupported (current: %d)", e.Version, e.Current)
	}
}

// ValidateVersion reports a *VersionError unless version equals CurrentVersion.
func ValidateVersion(version int) error {
	var problem VersionProblem
	switch {
	case version <= 0:
		problem = VersionMissing
	case version < CurrentVersion:
		problem = VersionOutdated
	case version > CurrentVersion:
		problem = VersionTooNew
	default:
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion, Problem: problem}
}
