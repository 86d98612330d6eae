package ossvc

import (
	"fmt"

	"github.com/carrotproxy/daedalus/internal/version"
	"github.com/kardianos/service"
)

// NewServiceConfig returns the configuration of the daemon service.  args are
// the command-line arguments the service manager starts the daemon with.
func NewServiceConfig(name ServiceName, workDir string, args []string) (conf *service.Config) {
	conf = &service.Config{
		Name:             string(name),
		DisplayName:      version.Name + " DNS firewall",
		Description:      "Filters DNS queries routed into a virtual network interface",
		WorkingDirectory: workDir,
		Arguments:        args,
		Option:           service.KeyValue{},
	}

	conf.Option["SvcInfo"] = fmt.Sprintf("%s %s", version.Full(), version.Version())
	configureOSOptions(conf)

	return conf
}

// Program is the daemon run by the service manager.
type Program struct {
	start func() (err error)
	stop  func() (err error)
}

// NewProgram returns a new program.  start must not block.
func NewProgram(start, stop func() (err error)) (p *Program) {
	return &Program{
		start: start,
		stop:  stop,
	}
}

// type check
var _ service.Interface = (*Program)(nil)

// Start implements the [service.Interface] interface for *Program.
func (p *Program) Start(_ service.Service) (err error) {
	return p.start()
}

// Stop implements the [service.Interface] interface for *Program.
func (p *Program) Stop(_ service.Service) (err error) {
	return p.stop()
}

// Run runs p under the service manager and blocks until the service manager
// stops it.
func Run(conf *service.Config, p *Program) (err error) {
	s, err := service.New(p, conf)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	return s.Run()
}

// Interactive returns true if the process isn't run by the service manager.
func Interactive() (ok bool) {
	return service.Interactive()
}
