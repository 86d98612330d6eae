// Package ossvc contains the management of the daemon as a system service.
package ossvc

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/kardianos/service"
)

// ServiceName is the name of a service.
type ServiceName string

// DefaultServiceName is the name the daemon is installed under.
const DefaultServiceName ServiceName = "daedalus"

// Status represents the status of a service.
type Status string

const (
	// StatusNotInstalled means that the service is not installed.
	StatusNotInstalled Status = "not installed"

	// StatusStopped means that the service is stopped.
	StatusStopped Status = "stopped"

	// StatusRunning means that the service is running.
	StatusRunning Status = "running"
)

// statusToInternal converts a service.Status to a Status.
func statusToInternal(status service.Status) (s Status, err error) {
	switch status {
	case service.StatusRunning:
		return StatusRunning, nil
	case service.StatusStopped:
		return StatusStopped, nil
	default:
		return "", fmt.Errorf("service status: %w: %v", errors.ErrBadEnumValue, status)
	}
}
