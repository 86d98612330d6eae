package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/osutil"
	"github.com/carrotproxy/daedalus/internal/configmgr"
	"github.com/carrotproxy/daedalus/internal/version"
)

// options contains all command-line options of the daemon.
type options struct {
	// confFile is the path to the configuration file.
	confFile string

	// pidFile is the path to the file where to store the PID.
	pidFile string

	// serviceAction is the service control action to perform:
	//
	//   - "install":  Installs the daemon as a system service.
	//   - "uninstall":  Uninstalls it.
	//   - "status":  Prints the service status.
	//   - "start":  Starts the previously installed service.
	//   - "stop":  Stops the previously installed service.
	//   - "restart":  Restarts the previously installed service.
	//   - "reload":  Reloads the configuration of the running daemon.
	serviceAction string

	// workDir is the path to the working directory.  It is applied before all
	// other configuration is read, so all relative paths are relative to it.
	workDir string

	// checkConfig, if true, instructs the daemon to check the configuration
	// file, print an error message to stdout, and exit with a corresponding
	// exit code.
	checkConfig bool

	// help, if true, instructs the daemon to print the command-line option
	// help message and quit with a successful exit code.
	help bool

	// testServers, if true, instructs the daemon to resolve the test domains
	// with the configured primary and secondary servers, print the results,
	// and quit.
	testServers bool

	// verbose, if true, enables verbose logging.
	verbose bool

	// version, if true, instructs the daemon to print the version to stdout
	// and quit with a successful exit code.  If verbose is also true, print a
	// more detailed version description.
	version bool
}

// Indexes to help with the [commandLineOptions] initialization.
const (
	confFileIdx = iota
	pidFileIdx
	serviceActionIdx
	workDirIdx
	checkConfigIdx
	helpIdx
	testServersIdx
	verboseIdx
	versionIdx
)

// commandLineOption contains information about a command-line option: its long
// and, if there is one, short forms, the value type, the description, and the
// default value.
type commandLineOption struct {
	defaultValue any
	description  string
	long         string
	short        string
	valueType    string
}

// defaultConfFile is the default path to the configuration file.
const defaultConfFile = "daedalus.yaml"

// commandLineOptions are all command-line options currently supported by the
// daemon.
var commandLineOptions = []*commandLineOption{
	confFileIdx: {
		defaultValue: defaultConfFile,
		description:  "Path to the config file.",
		long:         "config",
		short:        "c",
		valueType:    "path",
	},

	pidFileIdx: {
		defaultValue: "",
		description:  "Path to the file where to store the PID.",
		long:         "pidfile",
		short:        "",
		valueType:    "path",
	},

	serviceActionIdx: {
		defaultValue: "",
		description: `Service control action: "status", "install" (as a service), ` +
			`"uninstall" (as a service), "start", "stop", "restart", "reload" (configuration).`,
		long:      "service",
		short:     "s",
		valueType: "action",
	},

	workDirIdx: {
		defaultValue: "",
		description: `Path to the working directory.  ` +
			`It is applied before all other configuration is read, ` +
			`so all relative paths are relative to it.`,
		long:      "work-dir",
		short:     "w",
		valueType: "path",
	},

	checkConfigIdx: {
		defaultValue: false,
		description:  "Check configuration, print errors to stdout, and quit.",
		long:         "check-config",
		short:        "",
		valueType:    "",
	},

	helpIdx: {
		defaultValue: false,
		description:  "Print this help message and quit.",
		long:         "help",
		short:        "h",
		valueType:    "",
	},

	testServersIdx: {
		defaultValue: false,
		description:  "Resolve the test domains with the configured DNS servers and quit.",
		long:         "test",
		short:        "t",
		valueType:    "",
	},

	verboseIdx: {
		defaultValue: false,
		description:  "Enable verbose logging.",
		long:         "verbose",
		short:        "v",
		valueType:    "",
	},

	versionIdx: {
		defaultValue: false,
		description: `Print the version to stdout and quit.  ` +
			`Print a more detailed version description with -v.`,
		long:      "version",
		short:     "",
		valueType: "",
	},
}

// parseOptions parses the command-line options of the daemon.  Usage is
// written to output on errors.
func parseOptions(cmdName string, args []string, output io.Writer) (opts *options, err error) {
	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	flags.SetOutput(output)

	opts = &options{}
	for i, fieldPtr := range []any{
		confFileIdx:      &opts.confFile,
		pidFileIdx:       &opts.pidFile,
		serviceActionIdx: &opts.serviceAction,
		workDirIdx:       &opts.workDir,
		checkConfigIdx:   &opts.checkConfig,
		helpIdx:          &opts.help,
		testServersIdx:   &opts.testServers,
		verboseIdx:       &opts.verbose,
		versionIdx:       &opts.version,
	} {
		addOption(flags, fieldPtr, commandLineOptions[i])
	}

	flags.Usage = func() { usage(cmdName, output) }

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	if flags.NArg() > 0 {
		usage(cmdName, output)

		return nil, fmt.Errorf("unexpected arguments: %q", flags.Args())
	}

	return opts, nil
}

// addOption adds the command-line option described by o to flags using fieldPtr
// as the pointer to the value.
func addOption(flags *flag.FlagSet, fieldPtr any, o *commandLineOption) {
	switch fieldPtr := fieldPtr.(type) {
	case *string:
		flags.StringVar(fieldPtr, o.long, o.defaultValue.(string), o.description)
		if o.short != "" {
			flags.StringVar(fieldPtr, o.short, o.defaultValue.(string), o.description)
		}
	case *bool:
		flags.BoolVar(fieldPtr, o.long, o.defaultValue.(bool), o.description)
		if o.short != "" {
			flags.BoolVar(fieldPtr, o.short, o.defaultValue.(bool), o.description)
		}
	default:
		panic(fmt.Errorf("unexpected field pointer type %T", fieldPtr))
	}
}

// usage prints a usage message similar to the one printed by package flag but
// with the long and short forms of each option on one line.
func usage(cmdName string, output io.Writer) {
	opts := slices.Clone(commandLineOptions)
	slices.SortStableFunc(opts, func(a, b *commandLineOption) (res int) {
		return strings.Compare(a.long, b.long)
	})

	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage of %s:\n", cmdName)

	for _, o := range opts {
		writeUsageLine(b, o)

		// Use four spaces before the tab to trigger good alignment for both 4-
		// and 8-space tab stops.
		if s, ok := o.defaultValue.(string); ok && s != "" {
			_, _ = fmt.Fprintf(b, "    \t%s  (Default value: %q)\n", o.description, s)
		} else {
			_, _ = fmt.Fprintf(b, "    \t%s\n", o.description)
		}
	}

	_, _ = io.WriteString(output, b.String())
}

// writeUsageLine writes the usage line for the provided command-line option.
func writeUsageLine(b *strings.Builder, o *commandLineOption) {
	switch {
	case o.short == "" && o.valueType == "":
		_, _ = fmt.Fprintf(b, "  --%s\n", o.long)
	case o.short == "":
		_, _ = fmt.Fprintf(b, "  --%s=%s\n", o.long, o.valueType)
	case o.valueType == "":
		_, _ = fmt.Fprintf(b, "  --%s/-%s\n", o.long, o.short)
	default:
		_, _ = fmt.Fprintf(b, "  --%[1]s=%[3]s/-%[2]s %[3]s\n", o.long, o.short, o.valueType)
	}
}

// processOptions decides if the daemon should exit depending on the results of
// command-line option parsing.  Messages are written to stdout.
func processOptions(
	opts *options,
	cmdName string,
	parseErr error,
	stdout io.Writer,
) (exitCode int, needExit bool) {
	if parseErr != nil {
		// Assume that usage has already been printed.
		return osutil.ExitCodeArgumentError, true
	}

	if opts.help {
		usage(cmdName, stdout)

		return osutil.ExitCodeSuccess, true
	}

	if opts.version {
		return printVersion(stdout, opts.verbose), true
	}

	if opts.checkConfig {
		err := configmgr.Validate(opts.confFile)
		if err != nil {
			_, _ = io.WriteString(stdout, err.Error()+"\n")

			return osutil.ExitCodeFailure, true
		}

		return osutil.ExitCodeSuccess, true
	}

	return osutil.ExitCodeSuccess, false
}

// printVersion writes the version information to w and returns the exit code.
func printVersion(w io.Writer, verbose bool) (exitCode int) {
	if !verbose {
		_, _ = fmt.Fprintf(w, "%s %s\n", version.Name, version.Version())

		return osutil.ExitCodeSuccess
	}

	err := version.WriteVerbose(w, configmgr.SchemaVersion)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "writing version: %s\n", err)

		return osutil.ExitCodeFailure
	}

	return osutil.ExitCodeSuccess
}
