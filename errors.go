package storyline

import (
	"errors"

	"github.com/brunobiangulo/storyline/orchestrator"
)

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("storyline: invalid configuration")

	// ErrUnsupportedFormat is returned for unrecognized document formats.
	ErrUnsupportedFormat = errors.New("storyline: unsupported document format")

	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = errors.New("storyline: run not found")

	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = errors.New("storyline: engine is closed")

	// ErrInitialization matches every failure that aborted a run before
	// its first chunk.
	ErrInitialization = orchestrator.ErrInitialization
)

// InitializationError reports which setup stage of a run failed.
type InitializationError = orchestrator.InitializationError
