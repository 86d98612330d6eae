//go:build !linux

package ossvc

import (
	"github.com/kardianos/service"
)

// configureOSOptions defines additional settings of the service configuration.
// conf must not be nil.
func configureOSOptions(conf *service.Config) {
	conf.Option["RunAtLoad"] = true
	conf.Option["KeepAlive"] = true
}
