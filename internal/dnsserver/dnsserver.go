// Package dnsserver contains the catalog of upstream DNS servers and the
// selection of the primary and secondary servers of a tunnel session.
package dnsserver

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
)

// DefaultPort is the port used for servers without an explicit one.
const DefaultPort uint16 = 53

// ErrNoServer is returned when a server ID is not in the catalog.
const ErrNoServer errors.Error = "no such server"

// Server is an upstream DNS server.  It contains no references, so copies are
// independent.
type Server struct {
	// ID is the unique identifier of the server.
	ID string `yaml:"id"`

	// Label is the human-readable name of the server.
	Label string `yaml:"label"`

	// Addr is the IP address of the server.
	Addr netip.Addr `yaml:"address"`

	// Port is the UDP port of the server.  If zero, [DefaultPort] is used.
	Port uint16 `yaml:"port,omitempty"`
}

// type check
var _ validate.Interface = Server{}

// Validate implements the [validate.Interface] interface for Server.
func (s Server) Validate() (err error) {
	errs := []error{
		validate.NotEmpty("id", s.ID),
	}

	if !s.Addr.IsValid() {
		errs = append(errs, fmt.Errorf("address: %w", errors.ErrNoValue))
	}

	return errors.Join(errs...)
}

// AddrPort returns the address and the port of the server.
func (s Server) AddrPort() (ap netip.AddrPort) {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}

	return netip.AddrPortFrom(s.Addr, port)
}

// String implements the [fmt.Stringer] interface for Server.
func (s Server) String() (str string) {
	return fmt.Sprintf("%s (%s)", s.ID, s.AddrPort())
}

// Pair is the servers of a tunnel session.
type Pair struct {
	Primary   Server
	Secondary Server
}

// DefaultServers returns the built-in catalog.
func DefaultServers() (servers []Server) {
	return []Server{{
		ID:    "carrot-iad",
		Label: "CarrotProxy IAD",
		Addr:  netip.MustParseAddr("158.101.118.131"),
	}, {
		ID:    "carrot-fra",
		Label: "CarrotProxy FRA",
		Addr:  netip.MustParseAddr("152.70.177.207"),
	}, {
		ID:    "carrot-waw",
		Label: "CarrotProxy WAW",
		Addr:  netip.MustParseAddr("37.233.103.45"),
	}}
}

// Default IDs of the primary and the secondary servers from [DefaultServers].
const (
	DefaultPrimaryID   = "carrot-iad"
	DefaultSecondaryID = "carrot-fra"
)

// Registry is the catalog of upstream servers.  It is safe for concurrent use.
type Registry struct {
	// mu protects the fields below.
	mu        *sync.RWMutex
	servers   []Server
	primary   string
	secondary string
}

// NewRegistry returns a new registry with the given catalog and selection.
func NewRegistry(servers []Server, primaryID, secondaryID string) (r *Registry, err error) {
	defer func() { err = errors.Annotate(err, "server registry: %w") }()

	err = validateServers(servers)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	r = &Registry{
		mu:      &sync.RWMutex{},
		servers: slices.Clone(servers),
	}

	err = errors.Join(
		r.checkID("primary", primaryID),
		r.checkID("secondary", secondaryID),
	)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	r.primary, r.secondary = primaryID, secondaryID

	return r, nil
}

// validateServers returns an error if servers are empty, any of them is
// invalid, or the IDs repeat.
func validateServers(servers []Server) (err error) {
	if len(servers) == 0 {
		return fmt.Errorf("servers: %w", errors.ErrEmptyValue)
	}

	var errs []error
	ids := make(map[string]struct{}, len(servers))
	for i, s := range servers {
		if err = s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers: at index %d: %w", i, err))

			continue
		}

		if _, ok := ids[s.ID]; ok {
			errs = append(errs, fmt.Errorf("servers: at index %d: duplicate id %q", i, s.ID))
		}

		ids[s.ID] = struct{}{}
	}

	return errors.Join(errs...)
}

// checkID returns an error if id is not in the catalog.  r.mu must be locked
// or r must not be shared yet.
func (r *Registry) checkID(prop, id string) (err error) {
	if slices.ContainsFunc(r.servers, func(s Server) (ok bool) { return s.ID == id }) {
		return nil
	}

	return fmt.Errorf("%s: %w: %q", prop, ErrNoServer, id)
}

// Servers returns a copy of the catalog.
func (r *Registry) Servers() (servers []Server) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.servers)
}

// ByID returns the server with the given id.
func (r *Registry) ByID(id string) (s Server, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byID(id)
}

// byID returns the server with the given id.  r.mu must be locked.
func (r *Registry) byID(id string) (s Server, ok bool) {
	i := slices.IndexFunc(r.servers, func(s Server) (ok bool) { return s.ID == id })
	if i < 0 {
		return Server{}, false
	}

	return r.servers[i], true
}

// Primary returns the ID of the primary server.
func (r *Registry) Primary() (id string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.primary
}

// Secondary returns the ID of the secondary server.
func (r *Registry) Secondary() (id string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.secondary
}

// SetPrimary selects the server with id as the primary one.
func (r *Registry) SetPrimary(id string) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.checkID("primary", id)
	if err == nil {
		r.primary = id
	}

	return err
}

// SetSecondary selects the server with id as the secondary one.
func (r *Registry) SetSecondary(id string) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.checkID("secondary", id)
	if err == nil {
		r.secondary = id
	}

	return err
}

// SelectForSession returns the copies of the currently selected servers.
// Later changes of r do not affect the returned pair.
func (r *Registry) SelectForSession() (p Pair, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ok bool
	p.Primary, ok = r.byID(r.primary)
	if !ok {
		return Pair{}, fmt.Errorf("primary: %w: %q", ErrNoServer, r.primary)
	}

	p.Secondary, ok = r.byID(r.secondary)
	if !ok {
		return Pair{}, fmt.Errorf("secondary: %w: %q", ErrNoServer, r.secondary)
	}

	return p, nil
}
