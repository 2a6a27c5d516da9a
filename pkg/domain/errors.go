package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrInstallationNotFound = errors.New("installation not found")
	ErrVersionNotFound      = errors.New("toolchain version not found")
	ErrNoInstallationFound  = errors.New("no toolchain installation found")
	ErrLaunchFailed         = errors.New("process launch failed")
	ErrTimedOut             = errors.New("operation timed out")
	ErrSessionBusy          = errors.New("session is busy")
	ErrSessionDead          = errors.New("session process is not running")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session already exists")
	ErrNoDefaultSession     = errors.New("no default session")
	ErrUnsafeCleanTarget    = errors.New("unsafe clean target")
	ErrProjectNotFound      = errors.New("project not found")
	ErrInvalidPhase         = errors.New("invalid build phase")
	ErrCommandDenied        = errors.New("command denied by policy")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrInvalidRequest       = errors.New("invalid request")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInstallationNotFound, "INSTALLATION_NOT_FOUND"},
	{ErrVersionNotFound, "VERSION_NOT_FOUND"},
	{ErrNoInstallationFound, "NO_INSTALLATION_FOUND"},
	{ErrLaunchFailed, "LAUNCH_FAILED"},
	{ErrTimedOut, "TIMED_OUT"},
	{ErrSessionBusy, "SESSION_BUSY"},
	{ErrSessionDead, "SESSION_DEAD"},
	{ErrSessionNotFound, "SESSION_NOT_FOUND"},
	{ErrSessionExists, "SESSION_EXISTS"},
	{ErrNoDefaultSession, "NO_DEFAULT_SESSION"},
	{ErrUnsafeCleanTarget, "UNSAFE_CLEAN_TARGET"},
	{ErrProjectNotFound, "PROJECT_NOT_FOUND"},
	{ErrInvalidPhase, "INVALID_PHASE"},
	{ErrCommandDenied, "COMMAND_DENIED"},
	{ErrConfigInvalid, "CONFIG_INVALID"},
	{ErrInvalidRequest, "INVALID_REQUEST"},
}

// Code returns the stable machine-readable code for err, or "INTERNAL" when
// err does not belong to the taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// InstallationError reports a failed installation lookup.
type InstallationError struct {
	Kind    error // one of the three discovery sentinels
	Path    string
	Version string
	Roots   []string
}

func (e *InstallationError) Error() string {
	switch e.Kind {
	case ErrInstallationNotFound:
		return fmt.Sprintf("installation not found: %s does not contain a toolchain executable", e.Path)
	case ErrVersionNotFound:
		return fmt.Sprintf("toolchain version %s not found in %d search roots", e.Version, len(e.Roots))
	default:
		return fmt.Sprintf("no toolchain installation found in %d search roots", len(e.Roots))
	}
}

func (e *InstallationError) Is(target error) bool {
	return target == e.Kind
}

// SessionError carries the session identifier for session-scoped failures.
type SessionError struct {
	Kind      error
	SessionID string
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.SessionID)
}

func (e *SessionError) Is(target error) bool {
	return target == e.Kind
}

// ProjectNotFoundError represents an invalid project reference.
type ProjectNotFoundError struct {
	Path   string
	Reason string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project not found: %s (%s)", e.Path, e.Reason)
}

func (e *ProjectNotFoundError) Is(target error) bool {
	return target == ErrProjectNotFound
}

// UnsafeCleanTargetError is returned when a clean would operate on a path
// that is too close to the filesystem root.
type UnsafeCleanTargetError struct {
	Path   string
	Reason string
}

func (e *UnsafeCleanTargetError) Error() string {
	return fmt.Sprintf("refusing to clean %s: %s", e.Path, e.Reason)
}

func (e *UnsafeCleanTargetError) Is(target error) bool {
	return target == ErrUnsafeCleanTarget
}

// CommandDeniedError lists the reasons a policy rejected a request.
type CommandDeniedError struct {
	Reasons []string
}

func (e *CommandDeniedError) Error() string {
	return fmt.Sprintf("command denied by policy: %v", e.Reasons)
}

func (e *CommandDeniedError) Is(target error) bool {
	return target == ErrCommandDenied
}

// IsSessionBusy checks if the error indicates a command is already in flight
func IsSessionBusy(err error) bool {
	return errors.Is(err, ErrSessionBusy)
}

// IsSessionDead checks if the error indicates the session process exited
func IsSessionDead(err error) bool {
	return errors.Is(err, ErrSessionDead)
}

// IsDiscoveryError reports whether err is one of the installation lookup failures.
func IsDiscoveryError(err error) bool {
	return errors.Is(err, ErrInstallationNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrNoInstallationFound)
}
