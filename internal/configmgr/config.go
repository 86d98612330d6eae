package configmgr

import (
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil/urlutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/c2h5oh/datasize"
	"github.com/carrotproxy/daedalus/internal/dnsmsg"
	"github.com/carrotproxy/daedalus/internal/dnsserver"
	"github.com/carrotproxy/daedalus/internal/filtering/rulelist"
	"github.com/carrotproxy/daedalus/internal/heartbeat"
	"github.com/carrotproxy/daedalus/internal/logbuf"
	"github.com/carrotproxy/daedalus/internal/tun"
)

// SchemaVersion is the current version of the configuration schema.
const SchemaVersion uint = 1

// Config is the on-disk configuration of the daemon.
type Config struct {
	Rules     *RulesConfig     `yaml:"rules"`
	DNS       *DNSConfig       `yaml:"dns"`
	Tunnel    *TunnelConfig    `yaml:"tunnel"`
	Service   *ServiceConfig   `yaml:"service"`
	Log       *LogConfig       `yaml:"log"`
	HTTP      *HTTPConfig      `yaml:"http"`
	Heartbeat *HeartbeatConfig `yaml:"heartbeat"`

	SchemaVersion uint `yaml:"schema_version"`
}

// Default returns the configuration written when there is no configuration
// file.
func Default() (c *Config) {
	servers := dnsserver.DefaultServers()

	return &Config{
		Rules: &RulesConfig{
			Dir:           "rules",
			Files:         []*RuleFile{},
			NullAddresses: rulelist.DefaultNullAddrs(),
			MaxFileSize:   rulelist.DefaultMaxFileSize,
			Watch:         true,
		},
		DNS: &DNSConfig{
			Servers:            servers,
			Primary:            dnsserver.DefaultPrimaryID,
			Secondary:          dnsserver.DefaultSecondaryID,
			UpstreamTimeout:    timeutil.Duration(2 * time.Second),
			BlockingMode:       dnsmsg.BlockingModeNXDOMAIN,
			BlockedResponseTTL: dnsmsg.DefaultTTL,
		},
		Tunnel: &TunnelConfig{
			Name:       "daedalus0",
			Address:    netip.MustParsePrefix("10.233.0.1/30"),
			DNSAddress: netip.MustParseAddr("10.233.0.2"),
			MTU:        tun.DefaultMTU,
			FD:         -1,
		},
		Service: &ServiceConfig{},
		Log: &LogConfig{
			BufferLines: logbuf.DefaultSize,
			MaxSize:     10,
			MaxBackups:  3,
			MaxAge:      7,
		},
		HTTP: &HTTPConfig{
			Address: netip.MustParseAddrPort("127.0.0.1:8053"),
		},
		Heartbeat: &HeartbeatConfig{
			URL:      &urlutil.URL{URL: *defaultHeartbeatURL},
			Interval: timeutil.Duration(heartbeat.DefaultInterval),
			Timeout:  timeutil.Duration(heartbeat.DefaultTimeout),
		},
		SchemaVersion: SchemaVersion,
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() (clone *Config) {
	rules := *c.Rules
	rules.Files = make([]*RuleFile, 0, len(c.Rules.Files))
	for _, f := range c.Rules.Files {
		fc := *f
		rules.Files = append(rules.Files, &fc)
	}

	rules.NullAddresses = slices.Clone(c.Rules.NullAddresses)

	dns := *c.DNS
	dns.Servers = slices.Clone(c.DNS.Servers)

	tunnel, svc, log, http := *c.Tunnel, *c.Service, *c.Log, *c.HTTP

	hb := *c.Heartbeat
	if hb.URL != nil {
		u := *hb.URL
		hb.URL = &u
	}

	return &Config{
		Rules:         &rules,
		DNS:           &dns,
		Tunnel:        &tunnel,
		Service:       &svc,
		Log:           &log,
		HTTP:          &http,
		Heartbeat:     &hb,
		SchemaVersion: c.SchemaVersion,
	}
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	var errs []error
	if c.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Errorf(
			"schema_version: %w: got %d, want %d",
			errors.ErrBadEnumValue,
			c.SchemaVersion,
			SchemaVersion,
		))
	}

	// Keep this in the same order as the fields in the config.
	errs = validate.Append(errs, "rules", c.Rules)
	errs = validate.Append(errs, "dns", c.DNS)
	errs = validate.Append(errs, "tunnel", c.Tunnel)
	errs = validate.Append(errs, "service", c.Service)
	errs = validate.Append(errs, "log", c.Log)
	errs = validate.Append(errs, "http", c.HTTP)
	errs = validate.Append(errs, "heartbeat", c.Heartbeat)

	return errors.Join(errs...)
}

// RuleFile is the descriptor of a rule file.  Its position in the list is its
// ordering position.
type RuleFile struct {
	// FileName is the name of the file, relative to the rules directory.
	FileName string `yaml:"file_name"`

	// Type is the declared format of the file.
	Type rulelist.Format `yaml:"type"`

	// Enabled tells if the file is used.
	Enabled bool `yaml:"enabled"`
}

// type check
var _ validate.Interface = (*RuleFile)(nil)

// Validate implements the [validate.Interface] interface for *RuleFile.
func (f *RuleFile) Validate() (err error) {
	if f == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("file_name", f.FileName),
	}

	switch f.Type {
	case rulelist.FormatHosts, rulelist.FormatDnsmasq:
		// Go on.
	default:
		errs = append(errs, fmt.Errorf("type: %w: %q", errors.ErrBadEnumValue, f.Type))
	}

	return errors.Join(errs...)
}

// RulesConfig is the configuration of the rule files.
type RulesConfig struct {
	// Dir is the directory of the rule files.  If relative, it is relative to
	// the directory of the configuration file.
	Dir string `yaml:"dir"`

	// Files are the rule files in their order.
	Files []*RuleFile `yaml:"files"`

	// NullAddresses are the hosts-file addresses meaning a blocked domain.
	NullAddresses []netip.Addr `yaml:"null_addresses"`

	// MaxFileSize is the maximum size of a single rule file.
	MaxFileSize datasize.ByteSize `yaml:"max_file_size"`

	// Watch tells if the rule files are reloaded on changes.
	Watch bool `yaml:"watch"`
}

// type check
var _ validate.Interface = (*RulesConfig)(nil)

// Validate implements the [validate.Interface] interface for *RulesConfig.
func (c *RulesConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("dir", c.Dir),
		validate.Positive("max_file_size", c.MaxFileSize),
	}

	errs = validate.AppendSlice(errs, "files", c.Files)

	for i, a := range c.NullAddresses {
		if !a.IsValid() {
			errs = append(errs, fmt.Errorf("null_addresses: at index %d: %w", i, errors.ErrNoValue))
		}
	}

	return errors.Join(errs...)
}

// DNSConfig is the configuration of the upstream servers and the synthesized
// responses.
type DNSConfig struct {
	// Servers is the catalog of the upstream servers.
	Servers []dnsserver.Server `yaml:"servers"`

	// Primary is the ID of the primary server.
	Primary string `yaml:"primary"`

	// Secondary is the ID of the secondary server.
	Secondary string `yaml:"secondary"`

	// UpstreamTimeout is the time to wait for a single upstream server.
	UpstreamTimeout timeutil.Duration `yaml:"upstream_timeout"`

	// BlockingMode is the way blocked queries are answered.
	BlockingMode dnsmsg.BlockingMode `yaml:"blocking_mode"`

	// BlockedResponseTTL is the TTL of the synthesized records, in seconds.
	BlockedResponseTTL uint32 `yaml:"blocked_response_ttl"`
}

// type check
var _ validate.Interface = (*DNSConfig)(nil)

// Validate implements the [validate.Interface] interface for *DNSConfig.
func (c *DNSConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmptySlice("servers", c.Servers),
		validate.NotEmpty("primary", c.Primary),
		validate.NotEmpty("secondary", c.Secondary),
		validate.Positive("upstream_timeout", c.UpstreamTimeout),
		validate.Positive("blocked_response_ttl", c.BlockedResponseTTL),
	}

	errs = validate.AppendSlice(errs, "servers", c.Servers)

	mode := c.BlockingMode
	errs = append(errs, mode.UnmarshalText([]byte(mode)))

	err = errors.Join(errs...)
	if err != nil {
		return err
	}

	// Check the server IDs only for a well-formed catalog.
	_, err = dnsserver.NewRegistry(c.Servers, c.Primary, c.Secondary)

	return err
}

// TunnelConfig is the configuration of the virtual interface.
type TunnelConfig struct {
	// Name is the name of the interface.
	Name string `yaml:"name"`

	// Address is the address and the network of the interface.
	Address netip.Prefix `yaml:"address"`

	// DNSAddress is the address the system uses as its resolver.
	DNSAddress netip.Addr `yaml:"dns_address"`

	// MTU is the MTU of the interface.
	MTU int `yaml:"mtu"`

	// FD, if not negative, is the descriptor of a pre-opened interface.
	FD int `yaml:"fd"`

	// SocketMark, if not zero, is the firewall mark of the upstream sockets
	// and the passed through packets.  It lets the routing rules keep them
	// out of the tunnel.
	SocketMark uint32 `yaml:"socket_mark"`

	// Passthrough tells if the packets that are not DNS queries are sent to
	// the network stack of the host instead of being dropped.
	Passthrough bool `yaml:"passthrough"`
}

// type check
var _ validate.Interface = (*TunnelConfig)(nil)

// Validate implements the [validate.Interface] interface for *TunnelConfig.
func (c *TunnelConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.Positive("mtu", c.MTU),
	}

	if c.Passthrough && c.SocketMark == 0 {
		errs = append(errs, fmt.Errorf("socket_mark: %w: required by passthrough", errors.ErrNoValue))
	}

	if c.FD < 0 {
		errs = append(errs, validate.NotEmpty("name", c.Name))
		if !c.Address.IsValid() {
			errs = append(errs, fmt.Errorf("address: %w", errors.ErrNoValue))
		}
	}

	return errors.Join(errs...)
}

// ServiceConfig is the configuration of the system service.
type ServiceConfig struct {
	// Foreground tells if the daemon doesn't detach from the terminal.
	Foreground bool `yaml:"foreground"`

	// StartOnBoot tells if the daemon is installed as a service started on
	// boot.
	StartOnBoot bool `yaml:"start_on_boot"`
}

// type check
var _ validate.Interface = (*ServiceConfig)(nil)

// Validate implements the [validate.Interface] interface for *ServiceConfig.
func (c *ServiceConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	return nil
}

// LogConfig is the configuration of the logging.
type LogConfig struct {
	// File is the path of the log file.  If empty, stderr is used.
	File string `yaml:"file"`

	// BufferLines is the number of lines kept in memory.
	BufferLines uint `yaml:"buffer_lines"`

	// MaxSize is the maximum size of the log file before rotation, in
	// megabytes.
	MaxSize int `yaml:"max_size"`

	// MaxBackups is the maximum number of rotated files kept.
	MaxBackups int `yaml:"max_backups"`

	// MaxAge is the maximum age of rotated files, in days.
	MaxAge int `yaml:"max_age"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`

	// Compress enables the compression of rotated files.
	Compress bool `yaml:"compress"`
}

// type check
var _ validate.Interface = (*LogConfig)(nil)

// Validate implements the [validate.Interface] interface for *LogConfig.
func (c *LogConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.Positive("buffer_lines", c.BufferLines),
		validate.NotNegative("max_size", c.MaxSize),
		validate.NotNegative("max_backups", c.MaxBackups),
		validate.NotNegative("max_age", c.MaxAge),
	)
}

// HTTPConfig is the configuration of the diagnostic HTTP endpoint.
type HTTPConfig struct {
	// Address is the address to listen on.
	Address netip.AddrPort `yaml:"address"`

	// Enabled tells if the endpoint is served.
	Enabled bool `yaml:"enabled"`
}

// type check
var _ validate.Interface = (*HTTPConfig)(nil)

// Validate implements the [validate.Interface] interface for *HTTPConfig.
func (c *HTTPConfig) Validate() (err error) {
	switch {
	case c == nil:
		return errors.ErrNoValue
	case c.Enabled && !c.Address.IsValid():
		return fmt.Errorf("address: %w", errors.ErrNoValue)
	default:
		return nil
	}
}

// defaultHeartbeatURL is the default address of the token submission
// endpoint.
var defaultHeartbeatURL = &url.URL{
	Scheme: urlutil.SchemeHTTPS,
	Host:   "www.carrotproxy.com",
	Path:   "/daemon/submit_ip",
}

// HeartbeatConfig is the configuration of the periodic token submission.
type HeartbeatConfig struct {
	// URL is the address of the submission endpoint.
	URL *urlutil.URL `yaml:"url"`

	// Token is the account token.
	Token string `yaml:"token"`

	// Interval is the time between the submissions.
	Interval timeutil.Duration `yaml:"interval"`

	// Timeout is the timeout of a single submission.
	Timeout timeutil.Duration `yaml:"timeout"`

	// Enabled tells if the token is submitted while the session is active.
	Enabled bool `yaml:"enabled"`
}

// type check
var _ validate.Interface = (*HeartbeatConfig)(nil)

// Validate implements the [validate.Interface] interface for *HeartbeatConfig.
func (c *HeartbeatConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	} else if !c.Enabled {
		return nil
	}

	errs := []error{
		validate.NotEmpty("token", c.Token),
		validate.Positive("interval", c.Interval),
		validate.Positive("timeout", c.Timeout),
	}

	if c.URL == nil {
		errs = append(errs, fmt.Errorf("url: %w", errors.ErrNoValue))
	} else {
		errs = append(errs, urlutil.ValidateHTTPURL(&c.URL.URL))
	}

	return errors.Join(errs...)
}
