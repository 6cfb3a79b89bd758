// Package ldapclient performs workload operations against a directory server.
package ldapclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/willfong/workload-generator/internal/engine"
)

// Config holds the directory connection settings.
type Config struct {
	URL          string
	BindDN       string
	BindPassword string
	StartTLS     bool
	// InsecureSkipVerify disables certificate checks for ldaps and StartTLS.
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	// Timeout bounds each request; zero waits indefinitely.
	Timeout time.Duration

	// Attribute is replaced by modify and tested by compare.
	Attribute string
	// ObjectClasses are written on every added entry.
	ObjectClasses []string
	// Scope and Filter apply to search; the target pattern is the base DN.
	Scope  string
	Filter string
	// TargetPassword authenticates bind operations against target entries
	// and is written as userPassword on added entries.
	TargetPassword string
}

// Result codes reported for compare outcomes.
const (
	CodeCompareTrue  = "compare_true"
	CodeCompareFalse = "compare_false"
)

var scopes = map[string]int{
	"base": ldap.ScopeBaseObject,
	"one":  ldap.ScopeSingleLevel,
	"sub":  ldap.ScopeWholeSubtree,
}

// session is the subset of *ldap.Conn the client uses.
type session interface {
	Add(*ldap.AddRequest) error
	Del(*ldap.DelRequest) error
	ModifyDN(*ldap.ModifyDNRequest) error
	Modify(*ldap.ModifyRequest) error
	Search(*ldap.SearchRequest) (*ldap.SearchResult, error)
	Compare(dn, attribute, value string) (bool, error)
	Bind(username, password string) error
	Close() error
}

// Client dials directory sessions.
type Client struct {
	cfg   Config
	scope int
	open  func() (session, error)
}

// New validates cfg and returns a client. No connection is made until Dial.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: directory URL is required", engine.ErrConfiguration)
	}
	if cfg.Attribute == "" {
		cfg.Attribute = "description"
	}
	if len(cfg.ObjectClasses) == 0 {
		cfg.ObjectClasses = []string{"top", "person", "organizationalPerson", "inetOrgPerson"}
	}
	if cfg.Scope == "" {
		cfg.Scope = "base"
	}
	if cfg.Filter == "" {
		cfg.Filter = "(objectClass=*)"
	}
	if cfg.TargetPassword == "" {
		cfg.TargetPassword = "password"
	}
	scope, ok := scopes[cfg.Scope]
	if !ok {
		return nil, fmt.Errorf("%w: unknown search scope %q", engine.ErrConfiguration, cfg.Scope)
	}

	c := &Client{cfg: cfg, scope: scope}
	c.open = c.dialLDAP
	return c, nil
}

func (c *Client) Supports(engine.Kind) bool { return true }

func (c *Client) dialLDAP() (session, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify} //nolint:gosec // opt-in for lab servers
	conn, err := ldap.DialURL(c.cfg.URL,
		ldap.DialWithDialer(&net.Dialer{Timeout: c.cfg.DialTimeout}),
		ldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, err
	}
	if c.cfg.Timeout > 0 {
		conn.SetTimeout(c.cfg.Timeout)
	}
	if c.cfg.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// Dial connects and, when a bind DN is configured, authenticates.
func (c *Client) Dial(ctx context.Context) (engine.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := c.authenticated(c.cfg.BindDN, c.cfg.BindPassword)
	if err != nil {
		return nil, err
	}
	return &Conn{client: c, main: s}, nil
}

func (c *Client) authenticated(dn, password string) (session, error) {
	s, err := c.open()
	if err != nil {
		return nil, classify(err)
	}
	if dn != "" {
		if err := s.Bind(dn, password); err != nil {
			_ = s.Close()
			return nil, classify(err)
		}
	}
	return s, nil
}

// Conn is one directory session. Bind operations run on a second session so
// the identity of the main session never changes.
type Conn struct {
	client *Client
	main   session

	mu   sync.Mutex
	auth session
}

func (c *Conn) Close() error {
	err := c.main.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth != nil {
		err = errors.Join(err, c.auth.Close())
		c.auth = nil
	}
	return err
}

func (c *Conn) Do(_ context.Context, req engine.Request) (engine.Result, error) {
	cfg := c.client.cfg

	switch req.Kind {
	case engine.KindAdd:
		add, err := newEntry(req.Target, req.Value, cfg)
		if err != nil {
			return engine.Result{}, err
		}
		return engine.Result{}, classify(c.main.Add(add))

	case engine.KindDelete:
		return engine.Result{}, classify(c.main.Del(ldap.NewDelRequest(req.Target, nil)))

	case engine.KindRename:
		mod, err := newModifyDN(req.Target, req.NewTarget)
		if err != nil {
			return engine.Result{}, err
		}
		return engine.Result{}, classify(c.main.ModifyDN(mod))

	case engine.KindModify:
		mod := ldap.NewModifyRequest(req.Target, nil)
		mod.Replace(cfg.Attribute, []string{req.Value})
		return engine.Result{}, classify(c.main.Modify(mod))

	case engine.KindSearch:
		sr, err := c.main.Search(ldap.NewSearchRequest(
			req.Target, c.client.scope, ldap.NeverDerefAliases, 0,
			int(cfg.Timeout/time.Second), false, cfg.Filter, []string{"1.1"}, nil))
		if err != nil {
			return engine.Result{}, classify(err)
		}
		return engine.Result{Count: len(sr.Entries)}, nil

	case engine.KindCompare:
		ok, err := c.main.Compare(req.Target, cfg.Attribute, req.Value)
		if err != nil {
			return engine.Result{}, classify(err)
		}
		if ok {
			return engine.Result{Code: CodeCompareTrue}, nil
		}
		return engine.Result{Code: CodeCompareFalse}, nil

	case engine.KindBind:
		return engine.Result{}, c.bind(req.Target, cfg.TargetPassword)

	default:
		return engine.Result{}, fmt.Errorf("%w: %s", engine.ErrUnsupportedKind, req.Kind)
	}
}

func (c *Conn) bind(dn, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.auth == nil {
		s, err := c.client.open()
		if err != nil {
			return classify(err)
		}
		c.auth = s
	}
	err := classify(c.auth.Bind(dn, password))
	if engine.Classify(err) == engine.ClassConnectivity {
		_ = c.auth.Close()
		c.auth = nil
	}
	return err
}

// newEntry builds an add request for dn. The RDN attribute, cn and sn are
// always present so inetOrgPerson schema checks pass.
func newEntry(dn, value string, cfg Config) (*ldap.AddRequest, error) {
	parsed, err := parseDN(dn)
	if err != nil {
		return nil, err
	}
	rdn := parsed.RDNs[0].Attributes[0]

	attrs := map[string][]string{
		"objectClass":  cfg.ObjectClasses,
		"cn":           {rdn.Value},
		"sn":           {rdn.Value},
		"userPassword": {cfg.TargetPassword},
	}
	if value != "" {
		attrs[cfg.Attribute] = []string{value}
	}
	attrs[canonicalAttr(rdn.Type, attrs)] = []string{rdn.Value}

	add := ldap.NewAddRequest(dn, nil)
	for _, name := range []string{"objectClass", "cn", "sn"} {
		add.Attribute(name, attrs[name])
		delete(attrs, name)
	}
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		add.Attribute(name, attrs[name])
	}
	return add, nil
}

// canonicalAttr returns the existing key matching name case-insensitively,
// so an RDN of "CN=x" overwrites cn rather than adding a second attribute.
func canonicalAttr(name string, attrs map[string][]string) string {
	for k := range attrs {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

// newModifyDN renames from into to. A different parent DN moves the entry.
func newModifyDN(from, to string) (*ldap.ModifyDNRequest, error) {
	oldDN, err := parseDN(from)
	if err != nil {
		return nil, err
	}
	newDN, err := parseDN(to)
	if err != nil {
		return nil, err
	}

	newParent := &ldap.DN{RDNs: newDN.RDNs[1:]}
	newSup := ""
	if !newParent.EqualFold(&ldap.DN{RDNs: oldDN.RDNs[1:]}) {
		newSup = newParent.String()
	}
	return ldap.NewModifyDNRequest(from, newDN.RDNs[0].String(), true, newSup), nil
}

func parseDN(dn string) (*ldap.DN, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, engine.OperationError(fmt.Errorf("invalid DN %q: %w", dn, err))
	}
	if len(parsed.RDNs) == 0 {
		return nil, engine.OperationError(errors.New("empty DN"))
	}
	return parsed, nil
}

// classify wraps an LDAP error with the engine's error class. Server result
// codes become snake_case result codes ("no_such_object").
func classify(err error) error {
	if err == nil {
		return nil
	}
	var le *ldap.Error
	if !errors.As(err, &le) {
		var ne net.Error
		if errors.As(err, &ne) {
			return engine.ConnectivityError(err)
		}
		return engine.OperationError(err)
	}

	coded := &engine.CodedError{Code: resultCodeName(le.ResultCode), Err: err}
	switch le.ResultCode {
	case ldap.ErrorNetwork, ldap.LDAPResultUnavailable, ldap.LDAPResultBusy:
		return engine.ConnectivityError(coded)
	default:
		return engine.OperationError(coded)
	}
}

func resultCodeName(code uint16) string {
	name, ok := ldap.LDAPResultCodeMap[code]
	if !ok {
		return strconv.Itoa(int(code))
	}
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}
