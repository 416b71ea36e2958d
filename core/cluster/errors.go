package cluster

import "errors"

var (
	// Configuration errors
	ErrConfig = errors.New("cluster: invalid configuration")

	// Lifecycle errors
	ErrAlreadySpawned         = errors.New("cluster: already spawned")
	ErrNoProcess              = errors.New("cluster: no live process")
	ErrClusterNotFound        = errors.New("cluster not found")
	ErrNoClusters             = errors.New("no clusters")
	ErrRestartBudgetExhausted = errors.New("cluster: restart budget exhausted")
	ErrManagerClosed          = errors.New("cluster: manager closed")

	// Readiness errors
	ErrReadyTimeout      = errors.New("cluster: timed out waiting for ready")
	ErrExitedBeforeReady = errors.New("cluster: exited before ready")

	// Call errors
	ErrInvalidTarget = errors.New("cluster: invalid target")
)
