/*
 * Conduit
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package registry detects database backends from connection URIs, ports
// and live hosts, and constructs connectors from connection configs.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/conduit"
	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/connector/mongodb"
	"github.com/gravitational/conduit/lib/connector/mysql"
	"github.com/gravitational/conduit/lib/connector/postgres"
	"github.com/gravitational/conduit/lib/defaults"
)

// Detection is one backend candidate with its confidence.
type Detection struct {
	// Backend is the detected backend type.
	Backend connector.BackendType `json:"backend"`
	// Confidence is the match confidence in [0, 1].
	Confidence float64 `json:"confidence"`
	// Port is the port that produced a discovery candidate, if any.
	Port int `json:"port,omitempty"`
}

// schemeRules map URI scheme prefixes to backends. A scheme match is the
// strongest signal.
var schemeRules = map[string]connector.BackendType{
	"postgres":    connector.BackendPostgres,
	"postgresql":  connector.BackendPostgres,
	"pgsql":       connector.BackendPostgres,
	"mysql":       connector.BackendMySQL,
	"mariadb":     connector.BackendMySQL,
	"mongodb":     connector.BackendMongo,
	"mongodb+srv": connector.BackendMongo,
	"sqlite":      connector.BackendSQLite,
	"file":        connector.BackendSQLite,
	"oracle":      connector.BackendOracle,
	"sqlserver":   connector.BackendMSSQL,
	"mssql":       connector.BackendMSSQL,
}

// substringRules contribute weaker hints when no scheme matches.
var substringRules = []struct {
	substr     string
	backend    connector.BackendType
	confidence float64
}{
	{"postgres", connector.BackendPostgres, 0.7},
	{"psql", connector.BackendPostgres, 0.6},
	{"mysql", connector.BackendMySQL, 0.7},
	{"mariadb", connector.BackendMySQL, 0.6},
	{"mongo", connector.BackendMongo, 0.7},
	{".db", connector.BackendSQLite, 0.5},
	{".sqlite", connector.BackendSQLite, 0.8},
	{"oracle", connector.BackendOracle, 0.6},
	{"sqlserver", connector.BackendMSSQL, 0.6},
}

// portMap maps well-known ports to backends.
var portMap = map[int]connector.BackendType{
	defaults.PostgresPort: connector.BackendPostgres,
	defaults.MySQLPort:    connector.BackendMySQL,
	defaults.MongoPort:    connector.BackendMongo,
	defaults.MSSQLPort:    connector.BackendMSSQL,
	defaults.OraclePort:   connector.BackendOracle,
}

// DetectURI returns the most likely backend for a connection URI with a
// confidence score. The highest-confidence rule wins; confidence is capped
// at 1.0.
func DetectURI(uri string) (Detection, error) {
	uri = strings.TrimSpace(strings.ToLower(uri))
	if uri == "" {
		return Detection{}, trace.BadParameter("missing connection URI")
	}

	best := Detection{}
	if scheme, _, ok := strings.Cut(uri, "://"); ok {
		if backend, found := schemeRules[scheme]; found {
			best = Detection{Backend: backend, Confidence: 1.0}
		}
	}
	for _, rule := range substringRules {
		if strings.Contains(uri, rule.substr) && rule.confidence > best.Confidence {
			best = Detection{Backend: rule.backend, Confidence: rule.confidence}
		}
	}
	// a well-known port in the URI nudges a weak match
	if _, rest, ok := strings.Cut(uri, ":"); ok {
		if port := trailingPort(rest); port != 0 {
			if backend, found := portMap[port]; found {
				switch {
				case best.Backend == backend && best.Confidence < 1.0:
					best.Confidence = min(best.Confidence+0.2, 1.0)
				case best.Backend == "":
					best = Detection{Backend: backend, Confidence: 0.5}
				}
			}
		}
	}
	if best.Backend == "" {
		return Detection{}, trace.NotFound("no backend matches URI %q", uri)
	}
	return best, nil
}

func trailingPort(s string) int {
	// strip path/query after the authority
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0
	}
	return port
}

// DetectPort returns the backend mapped to a well-known port.
func DetectPort(port int) (Detection, error) {
	if backend, ok := portMap[port]; ok {
		return Detection{Backend: backend, Confidence: 0.8, Port: port}, nil
	}
	return Detection{}, trace.NotFound("no backend maps to port %v", port)
}

// Discover probes every well-known backend port on host in parallel. Each
// open port contributes a candidate. Probes share the context deadline;
// individual dial failures are not errors.
func Discover(ctx context.Context, host string) ([]Detection, error) {
	if host == "" {
		return nil, trace.BadParameter("missing host")
	}
	dialer := &net.Dialer{Timeout: defaults.ConnectTimeout}

	var mu sync.Mutex
	var found []Detection
	group, groupCtx := errgroup.WithContext(ctx)
	for port, backend := range portMap {
		group.Go(func() error {
			conn, err := dialer.DialContext(groupCtx, "tcp",
				net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				return nil
			}
			conn.Close()
			mu.Lock()
			found = append(found, Detection{
				Backend:    backend,
				Confidence: 0.8,
				Port:       port,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Port < found[j].Port })
	return found, nil
}

// Registry constructs connectors from connection configs and tracks the
// live ones by config ID.
type Registry struct {
	log   *slog.Logger
	clock clockwork.Clock

	// Optimize enables the additive config optimization hook.
	optimize bool

	mu   sync.Mutex
	live map[string]connector.Connector
}

// Option configures a Registry.
type Option func(*Registry)

// WithoutOptimization disables the backend defaults patch applied to
// configs before construction.
func WithoutOptimization() Option {
	return func(r *Registry) { r.optimize = false }
}

// WithClock injects a clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// New returns a connector registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:      slog.With(conduit.ComponentKey, conduit.ComponentRegistry),
		clock:    clockwork.NewRealClock(),
		optimize: true,
		live:     make(map[string]connector.Connector),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// backendDefaults are the per-backend option defaults applied by the
// optimization hook. The patch is additive: caller-set options win.
var backendDefaults = map[connector.BackendType]map[string]string{
	connector.BackendPostgres: {
		"statement_cache_size": strconv.Itoa(defaults.StatementCacheSize),
		"application_name":     "conduit",
	},
	connector.BackendMySQL: {
		"statement_cache_size": strconv.Itoa(defaults.StatementCacheSize),
		"charset":              "utf8mb4",
	},
	connector.BackendMongo: {
		"compressors": "zstd,snappy",
	},
}

// OptimizeConfig returns a copy of cfg with backend-specific default
// options filled in where the caller left them unset.
func OptimizeConfig(cfg connector.Config) connector.Config {
	out := cfg.Clone()
	patch, ok := backendDefaults[cfg.Backend]
	if !ok {
		return out
	}
	if out.Options == nil {
		out.Options = make(map[string]string, len(patch))
	}
	for name, value := range patch {
		if _, set := out.Options[name]; !set {
			out.Options[name] = value
		}
	}
	return out
}

// Construct builds a connector for the config's backend without
// connecting it. The connector is tracked by config ID until Release.
func (r *Registry) Construct(cfg connector.Config) (connector.Connector, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if r.optimize {
		cfg = OptimizeConfig(cfg)
	}

	var conn connector.Connector
	var err error
	switch cfg.Backend {
	case connector.BackendPostgres:
		conn, err = postgres.New(cfg, r.clock)
	case connector.BackendMySQL:
		conn, err = mysql.New(cfg, r.clock)
	case connector.BackendMongo:
		conn, err = mongodb.New(cfg, r.clock)
	default:
		return nil, trace.BadParameter("no connector engine for backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.live[cfg.ID]; exists {
		return nil, trace.AlreadyExists("a connector for config %q already exists", cfg.ID)
	}
	r.live[cfg.ID] = conn
	r.log.Info("Constructed connector.",
		"connector_id", cfg.ID,
		"backend", cfg.Backend,
		"endpoint", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	return conn, nil
}

// ConstructURI builds a connector by detecting the backend from a URI and
// merging the detection into cfg.
func (r *Registry) ConstructURI(uri string, cfg connector.Config) (connector.Connector, error) {
	detection, err := DetectURI(uri)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Backend = detection.Backend
	return r.Construct(cfg)
}

// Get returns the live connector for a config ID.
func (r *Registry) Get(id string) (connector.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.live[id]
	if !ok {
		return nil, trace.NotFound("no connector for config %q", id)
	}
	return conn, nil
}

// Release forgets the connector for a config ID, disconnecting it first.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	conn, ok := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()
	if !ok {
		return trace.NotFound("no connector for config %q", id)
	}
	return trace.Wrap(conn.Disconnect(ctx))
}

// List returns the config IDs of all live connectors, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every live connector.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	live := r.live
	r.live = make(map[string]connector.Connector)
	r.mu.Unlock()

	var errs []error
	for id, conn := range live {
		if err := conn.Disconnect(ctx); err != nil {
			errs = append(errs, trace.Wrap(err, "disconnecting %v", id))
		}
	}
	return trace.NewAggregate(errs...)
}
