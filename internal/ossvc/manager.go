package ossvc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kardianos/service"
)

// Manager controls the daemon service through the OS service manager.
type Manager interface {
	// Perform performs action.
	Perform(ctx context.Context, action Action) (err error)

	// Status returns the status of the service called name.
	Status(ctx context.Context, name ServiceName) (status Status, err error)
}

// ManagerConfig is the configuration of the [Manager] returned by
// [NewManager].
type ManagerConfig struct {
	// Logger is used to log the performed actions.  It must not be nil.
	Logger *slog.Logger
}

// NewManager returns a [Manager] backed by the service manager of the current
// platform.  conf must not be nil.
func NewManager(_ context.Context, conf *ManagerConfig) (mgr Manager) {
	return &manager{
		logger: conf.Logger,
	}
}

// EnsureInstalled installs the service described by conf unless it is
// already installed.  installed is true if the service has been installed by
// this call.
func EnsureInstalled(
	ctx context.Context,
	mgr Manager,
	conf *service.Config,
) (installed bool, err error) {
	status, err := mgr.Status(ctx, ServiceName(conf.Name))
	if err != nil {
		return false, fmt.Errorf("getting status: %w", err)
	} else if status != StatusNotInstalled {
		return false, nil
	}

	err = mgr.Perform(ctx, &ActionInstall{ServiceConf: conf})
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return false, err
	}

	return true, nil
}

// EmptyManager is a [Manager] that does nothing.  It reports every service as
// not installed.
type EmptyManager struct{}

// type check
var _ Manager = EmptyManager{}

// Perform implements the [Manager] interface for EmptyManager.
func (EmptyManager) Perform(_ context.Context, _ Action) (err error) {
	return nil
}

// Status implements the [Manager] interface for EmptyManager.
func (EmptyManager) Status(_ context.Context, _ ServiceName) (status Status, err error) {
	return StatusNotInstalled, nil
}
