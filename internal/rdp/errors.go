package rdp

import "errors"

var (
	ErrEngineInstance         = errors.New("rdp: could not create engine instance")
	ErrSettingsNotInitialized = errors.New("rdp: engine settings not initialized")
	ErrInputNotInitialized    = errors.New("rdp: engine input not initialized")
	ErrWorkerStopped          = errors.New("rdp: worker has terminated")
	ErrSessionActive          = errors.New("rdp: connection already requested")
	ErrTeardown               = errors.New("rdp: engine teardown reported failure")
)
