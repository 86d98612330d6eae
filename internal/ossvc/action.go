package ossvc

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/kardianos/service"
)

// ActionName is the type for actions' names.  It has the following valid
// values:
//   - [ActionNameInstall]
//   - [ActionNameReload]
//   - [ActionNameRestart]
//   - [ActionNameStart]
//   - [ActionNameStatus]
//   - [ActionNameStop]
//   - [ActionNameUninstall]
type ActionName string

const (
	ActionNameInstall   ActionName = "install"
	ActionNameReload    ActionName = "reload"
	ActionNameRestart   ActionName = "restart"
	ActionNameStart     ActionName = "start"
	ActionNameStatus    ActionName = "status"
	ActionNameStop      ActionName = "stop"
	ActionNameUninstall ActionName = "uninstall"
)

// Action is the interface for actions that can be performed by [Manager].
type Action interface {
	// Name returns the name of the action.
	Name() (name ActionName)

	// isAction is a marker method to prevent types from other packages from
	// implementing this interface.
	isAction()
}

// NewAction returns the action with the given name for the service described
// by conf.  pidFile is only used by the reload action.  The status action has
// no [Action] value, use [Manager.Status] instead.
func NewAction(name ActionName, conf *service.Config, pidFile string) (a Action, err error) {
	switch name {
	case ActionNameInstall:
		return &ActionInstall{ServiceConf: conf}, nil
	case ActionNameReload:
		return &ActionReload{PIDFile: pidFile}, nil
	case ActionNameRestart:
		return &ActionRestart{ServiceConf: conf}, nil
	case ActionNameStart:
		return &ActionStart{ServiceConf: conf}, nil
	case ActionNameStop:
		return &ActionStop{ServiceConf: conf}, nil
	case ActionNameUninstall:
		return &ActionUninstall{ServiceConf: conf}, nil
	default:
		return nil, fmt.Errorf("service action: %w: %q", errors.ErrBadEnumValue, name)
	}
}

// ActionInstall is the implementation of the [Action] interface.
type ActionInstall struct {
	ServiceConf *service.Config
}

// Name implements the [Action] interface for *ActionInstall.
func (a *ActionInstall) Name() (name ActionName) { return ActionNameInstall }

// isAction implements the [Action] interface for *ActionInstall.
func (a *ActionInstall) isAction() {}

// ActionReload is the implementation of the [Action] interface.  It makes the
// running daemon reread its configuration without restarting.
type ActionReload struct {
	// PIDFile is the file with the process ID of the running daemon.
	PIDFile string
}

// Name implements the [Action] interface for *ActionReload.
func (a *ActionReload) Name() (name ActionName) { return ActionNameReload }

// isAction implements the [Action] interface for *ActionReload.
func (a *ActionReload) isAction() {}

// ActionRestart is the implementation of the [Action] interface.
type ActionRestart struct {
	ServiceConf *service.Config
}

// Name implements the [Action] interface for *ActionRestart.
func (a *ActionRestart) Name() (name ActionName) { return ActionNameRestart }

// isAction implements the [Action] interface for *ActionRestart.
func (a *ActionRestart) isAction() {}

// ActionStart is the implementation of the [Action] interface.
type ActionStart struct {
	ServiceConf *service.Config
}

// Name implements the [Action] interface for *ActionStart.
func (a *ActionStart) Name() (name ActionName) { return ActionNameStart }

// isAction implements the [Action] interface for *ActionStart.
func (a *ActionStart) isAction() {}

// ActionStop is the implementation of the [Action] interface.
type ActionStop struct {
	ServiceConf *service.Config
}

// Name implements the [Action] interface for *ActionStop.
func (a *ActionStop) Name() (name ActionName) { return ActionNameStop }

// isAction implements the [Action] interface for *ActionStop.
func (a *ActionStop) isAction() {}

// ActionUninstall is the implementation of the [Action] interface.
type ActionUninstall struct {
	ServiceConf *service.Config
}

// Name implements the [Action] interface for *ActionUninstall.
func (a *ActionUninstall) Name() (name ActionName) { return ActionNameUninstall }

// isAction implements the [Action] interface for *ActionUninstall.
func (a *ActionUninstall) isAction() {}
