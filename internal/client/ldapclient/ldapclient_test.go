package ldapclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willfong/workload-generator/internal/engine"
)

type fakeSession struct {
	mu       sync.Mutex
	requests []any
	binds    []string
	err      error
	entries  int
	match    bool
	closed   bool
}

func (f *fakeSession) record(r any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	return f.err
}

func (f *fakeSession) Add(r *ldap.AddRequest) error           { return f.record(r) }
func (f *fakeSession) Del(r *ldap.DelRequest) error           { return f.record(r) }
func (f *fakeSession) ModifyDN(r *ldap.ModifyDNRequest) error { return f.record(r) }
func (f *fakeSession) Modify(r *ldap.ModifyRequest) error     { return f.record(r) }

func (f *fakeSession) Search(r *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if err := f.record(r); err != nil {
		return nil, err
	}
	return &ldap.SearchResult{Entries: make([]*ldap.Entry, f.entries)}, nil
}

func (f *fakeSession) Compare(dn, attribute, value string) (bool, error) {
	return f.match, f.record([3]string{dn, attribute, value})
}

func (f *fakeSession) Bind(username, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, username)
	return f.err
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func newTestClient(t *testing.T, cfg Config, sessions ...*fakeSession) *Client {
	t.Helper()
	cfg.URL = "ldap://directory.test:389"
	c, err := New(cfg)
	require.NoError(t, err)
	next := 0
	c.open = func() (session, error) {
		if next >= len(sessions) {
			return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("connection refused"))
		}
		s := sessions[next]
		next++
		return s, nil
	}
	return c
}

func attrsOf(r *ldap.AddRequest) map[string][]string {
	out := map[string][]string{}
	for _, a := range r.Attributes {
		out[a.Type] = a.Vals
	}
	return out
}

func TestDialBindsAsConfiguredUser(t *testing.T) {
	s := &fakeSession{}
	c := newTestClient(t, Config{BindDN: "cn=Directory Manager", BindPassword: "secret"}, s)

	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cn=Directory Manager"}, s.binds)

	require.NoError(t, conn.Close())
	assert.True(t, s.closed)
}

func TestDialFailures(t *testing.T) {
	c := newTestClient(t, Config{})
	_, err := c.Dial(context.Background())
	assert.Equal(t, engine.ClassConnectivity, engine.Classify(err))

	s := &fakeSession{err: ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))}
	c = newTestClient(t, Config{BindDN: "cn=admin"}, s)
	_, err = c.Dial(context.Background())
	assert.Equal(t, engine.ClassOperation, engine.Classify(err))
	assert.Equal(t, "invalid_credentials", engine.ResultCodeOf(err))
	assert.True(t, s.closed)
}

func TestDoAddBuildsEntry(t *testing.T) {
	s := &fakeSession{}
	c := newTestClient(t, Config{}, s)
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)

	_, err = conn.Do(context.Background(), engine.Request{
		Kind: engine.KindAdd, Target: "uid=r1-0-1,ou=people,dc=example,dc=com", Value: "hello",
	})
	require.NoError(t, err)

	require.Len(t, s.requests, 1)
	add := s.requests[0].(*ldap.AddRequest)
	assert.Equal(t, "uid=r1-0-1,ou=people,dc=example,dc=com", add.DN)
	attrs := attrsOf(add)
	assert.Equal(t, []string{"top", "person", "organizationalPerson", "inetOrgPerson"}, attrs["objectClass"])
	assert.Equal(t, []string{"r1-0-1"}, attrs["uid"])
	assert.Equal(t, []string{"r1-0-1"}, attrs["sn"])
	assert.Equal(t, []string{"hello"}, attrs["description"])
	assert.Equal(t, []string{"password"}, attrs["userPassword"])
}

func TestDoAddWithCNRDNHasSingleCN(t *testing.T) {
	s := &fakeSession{}
	c := newTestClient(t, Config{}, s)
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)

	_, err = conn.Do(context.Background(), engine.Request{Kind: engine.KindAdd, Target: "CN=x,dc=example"})
	require.NoError(t, err)

	add := s.requests[0].(*ldap.AddRequest)
	count := 0
	for _, a := range add.Attributes {
		if a.Type == "cn" || a.Type == "CN" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDoRename(t *testing.T) {
	tests := []struct {
		name, from, to string
		rdn, newSup    string
	}{
		{"same parent", "uid=a,ou=people,dc=example", "uid=b,ou=people,dc=example", "uid=b", ""},
		{"parent case differs", "uid=a,ou=people,dc=example", "uid=b,OU=People,dc=example", "uid=b", ""},
		{"move", "uid=a,ou=people,dc=example", "uid=b,ou=staff,dc=example", "uid=b", "ou=staff,dc=example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := newModifyDN(tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.from, req.DN)
			assert.Equal(t, tt.rdn, req.NewRDN)
			assert.True(t, req.DeleteOldRDN)
			assert.Equal(t, tt.newSup, req.NewSuperior)
		})
	}

	_, err := newModifyDN("uid=a,dc=example", "")
	assert.Equal(t, engine.ClassOperation, engine.Classify(err))
}

func TestDoModifySearchCompare(t *testing.T) {
	s := &fakeSession{entries: 3, match: true}
	c := newTestClient(t, Config{Attribute: "mail", Scope: "sub", Filter: "(uid=*)"}, s)
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = conn.Do(ctx, engine.Request{Kind: engine.KindModify, Target: "uid=1,dc=x", Value: "v"})
	require.NoError(t, err)
	mod := s.requests[0].(*ldap.ModifyRequest)
	require.Len(t, mod.Changes, 1)
	assert.Equal(t, "mail", mod.Changes[0].Modification.Type)
	assert.Equal(t, []string{"v"}, mod.Changes[0].Modification.Vals)

	res, err := conn.Do(ctx, engine.Request{Kind: engine.KindSearch, Target: "dc=x"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	sr := s.requests[1].(*ldap.SearchRequest)
	assert.Equal(t, ldap.ScopeWholeSubtree, sr.Scope)
	assert.Equal(t, "(uid=*)", sr.Filter)

	res, err = conn.Do(ctx, engine.Request{Kind: engine.KindCompare, Target: "uid=1,dc=x", Value: "v"})
	require.NoError(t, err)
	assert.Equal(t, CodeCompareTrue, res.Code)
	assert.Equal(t, [3]string{"uid=1,dc=x", "mail", "v"}, s.requests[2])
}

func TestDoBindUsesSeparateSession(t *testing.T) {
	main := &fakeSession{}
	auth := &fakeSession{}
	c := newTestClient(t, Config{BindDN: "cn=admin"}, main, auth)
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = conn.Do(context.Background(), engine.Request{Kind: engine.KindBind, Target: "uid=u1,dc=x"})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"cn=admin"}, main.binds)
	assert.Equal(t, []string{"uid=u1,dc=x", "uid=u1,dc=x", "uid=u1,dc=x"}, auth.binds)

	require.NoError(t, conn.Close())
	assert.True(t, auth.closed)
}

func TestDoErrorsAreClassified(t *testing.T) {
	s := &fakeSession{err: ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))}
	c := newTestClient(t, Config{}, s)
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)

	_, err = conn.Do(context.Background(), engine.Request{Kind: engine.KindDelete, Target: "uid=x,dc=x"})
	assert.Equal(t, engine.ClassOperation, engine.Classify(err))
	assert.Equal(t, "no_such_object", engine.ResultCodeOf(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want engine.ErrorClass
		code string
	}{
		{"nil", nil, engine.ClassNone, engine.CodeSuccess},
		{"network", ldap.NewError(ldap.ErrorNetwork, errors.New("closed")), engine.ClassConnectivity, "network_error"},
		{"busy", ldap.NewError(ldap.LDAPResultBusy, errors.New("busy")), engine.ClassConnectivity, "busy"},
		{"exists", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("exists")), engine.ClassOperation, "entry_already_exists"},
		{"unmapped", ldap.NewError(9999, errors.New("odd")), engine.ClassOperation, "9999"},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, engine.ClassConnectivity, engine.CodeConnectError},
		{"plain", errors.New("boom"), engine.ClassOperation, engine.CodeOperationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			assert.Equal(t, tt.want, engine.Classify(err))
			assert.Equal(t, tt.code, engine.ResultCodeOf(err))
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, engine.ErrConfiguration)

	_, err = New(Config{URL: "ldap://x", Scope: "everything"})
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}
