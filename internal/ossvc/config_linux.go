//go:build linux

package ossvc

import (
	"github.com/kardianos/service"
)

// configureOSOptions defines additional settings of the service configuration
// on Linux.  conf must not be nil.
func configureOSOptions(conf *service.Config) {
	conf.Option["LogOutput"] = true
	conf.Option["Restart"] = "always"
	conf.Option["SystemdScript"] = systemdScript

	conf.Dependencies = []string{
		"After=syslog.target network-online.target",
		"Wants=network-online.target",
	}
}

// systemdScript is the unit template.  The daemon needs CAP_NET_ADMIN to
// create the virtual interface, and it is restarted quickly after a failure.
const systemdScript = `[Unit]
Description={{.Description}}
ConditionFileIsExecutable={{.Path|cmdEscape}}
{{range $i, $dep := .Dependencies}}
{{$dep}} {{end}}

[Service]
StartLimitInterval=5
StartLimitBurst=10
ExecStart={{.Path|cmdEscape}}{{range .Arguments}} {{.|cmd}}{{end}}
{{if .WorkingDirectory}}WorkingDirectory={{.WorkingDirectory|cmdEscape}}{{end}}
{{if .UserName}}User={{.UserName}}{{end}}
ExecReload=/bin/kill -HUP "$MAINPID"
AmbientCapabilities=CAP_NET_ADMIN
{{if and .LogOutput .HasOutputFileSupport -}}
StandardOutput=journal
StandardError=journal
{{- end}}
{{if .Restart}}Restart={{.Restart}}{{end}}
RestartSec=10

[Install]
WantedBy=multi-user.target
`
