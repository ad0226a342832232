package domain

import "fmt"

// Platform is the target platform of a build
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// ParsePlatform validates a platform token
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformLinux, PlatformWindows:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q (expected linux or windows)", s)
}

// JobStatus represents the lifecycle state of a build job
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCleaned   JobStatus = "cleaned"
)

// FailureKind classifies why a single strategy attempt did not produce an artifact
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureNonZeroExit FailureKind = "nonzero_exit"
	FailureNoArtifact  FailureKind = "no_artifact"
	FailureSpawn       FailureKind = "spawn_error"
	FailureTimeout     FailureKind = "timeout"
	FailureSkipped     FailureKind = "skipped"
)

// TerminationReason is the terminal state of a sandboxed execution
type TerminationReason string

const (
	ReasonCompleted  TerminationReason = "completed"
	ReasonTimedOut   TerminationReason = "timed_out"
	ReasonSpawnError TerminationReason = "spawn_error"
	// ReasonRefused means the artifact was never spawned because its binary
	// format cannot run on this host.
	ReasonRefused TerminationReason = "refused"
)

// Stream identifies which output stream a line came from
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)
