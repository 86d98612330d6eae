package ossvc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/kardianos/service"
)

// manager is the implementation of [Manager] that wraps [service.Service].
type manager struct {
	logger *slog.Logger
}

// type check
var _ Manager = (*manager)(nil)

// Perform implements the [Manager] interface for *manager.
func (m *manager) Perform(ctx context.Context, action Action) (err error) {
	if a, ok := action.(*ActionReload); ok {
		m.logger.InfoContext(ctx, "reloading service", "pid_file", a.PIDFile)

		return reload(a.PIDFile)
	}

	var conf *service.Config
	var do func(s service.Service) (err error)
	switch action := action.(type) {
	case *ActionInstall:
		conf, do = action.ServiceConf, service.Service.Install
	case *ActionRestart:
		conf, do = action.ServiceConf, service.Service.Restart
	case *ActionStart:
		conf, do = action.ServiceConf, service.Service.Start
	case *ActionStop:
		conf, do = action.ServiceConf, service.Service.Stop
	case *ActionUninstall:
		conf, do = action.ServiceConf, service.Service.Uninstall
	default:
		return fmt.Errorf("action: %w: %T(%[2]v)", errors.ErrBadEnumValue, action)
	}

	m.logger.InfoContext(ctx, "performing service action", "action", action.Name(), "name", conf.Name)

	s, err := service.New(nil, conf)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	err = do(s)
	if err != nil {
		return fmt.Errorf("%s service: %w", action.Name(), err)
	}

	return nil
}

// Status implements the [Manager] interface for *manager.
func (m *manager) Status(ctx context.Context, name ServiceName) (status Status, err error) {
	m.logger.DebugContext(ctx, "getting service status", "name", name)

	s, err := service.New(nil, &service.Config{
		Name: string(name),
	})
	if err != nil {
		return "", fmt.Errorf("creating service: %w", err)
	}

	svcStatus, err := s.Status()
	if err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			return StatusNotInstalled, nil
		}

		return "", fmt.Errorf("getting service status: %w", err)
	}

	return statusToInternal(svcStatus)
}
