package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/diamory/diamory-backend/internal/identity"
	"github.com/diamory/diamory-backend/internal/model"
	"github.com/diamory/diamory-backend/internal/objectstore"
	"github.com/diamory/diamory-backend/internal/repository/repotest"
)

// callLog records collaborator calls in order across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

type fakeIdentity struct {
	log        *callLog
	emails     map[string]string
	disabled   map[string]int
	deleted    map[string]int
	lookupErr  map[string]error
	deleteErr  map[string]error
	disableErr error
}

func newFakeIdentity(log *callLog) *fakeIdentity {
	return &fakeIdentity{
		log:       log,
		emails:    map[string]string{},
		disabled:  map[string]int{},
		deleted:   map[string]int{},
		lookupErr: map[string]error{},
		deleteErr: map[string]error{},
	}
}

func (f *fakeIdentity) LookupEmail(_ context.Context, username string) (string, error) {
	f.log.add("lookup %s", username)
	if err := f.lookupErr[username]; err != nil {
		return "", err
	}
	if e, ok := f.emails[username]; ok {
		return e, nil
	}
	return username + "@mail.de", nil
}

func (f *fakeIdentity) Disable(_ context.Context, username string) error {
	f.log.add("disable %s", username)
	if f.disableErr != nil {
		return f.disableErr
	}
	f.disabled[username]++
	return nil
}

func (f *fakeIdentity) Delete(_ context.Context, username string) error {
	f.log.add("delete-identity %s", username)
	if err := f.deleteErr[username]; err != nil {
		return err
	}
	f.deleted[username]++
	return nil
}

type fakeNotifier struct {
	log   *callLog
	mails []model.Mail
	err   error
}

func (f *fakeNotifier) Send(_ context.Context, m model.Mail) error {
	f.log.add("mail %s", m.To)
	if f.err != nil {
		return f.err
	}
	f.mails = append(f.mails, m)
	return nil
}

// fakeObjects pages keys in lexical order; the token is the last key served.
type fakeObjects struct {
	log       *callLog
	keys      map[string]bool
	pageSize  int
	lists     int
	deleteErr error
}

func newFakeObjects(log *callLog, pageSize int, keys ...string) *fakeObjects {
	f := &fakeObjects{log: log, keys: map[string]bool{}, pageSize: pageSize}
	for _, k := range keys {
		f.keys[k] = true
	}
	return f
}

func (f *fakeObjects) ListByPrefix(_ context.Context, prefix, token string) (objectstore.Listing, error) {
	f.lists++
	var all []string
	for k := range f.keys {
		if strings.HasPrefix(k, prefix) && k > token {
			all = append(all, k)
		}
	}
	sort.Strings(all)
	if len(all) > f.pageSize {
		page := all[:f.pageSize]
		return objectstore.Listing{Keys: page, Truncated: true, NextToken: page[len(page)-1]}, nil
	}
	return objectstore.Listing{Keys: all}, nil
}

func (f *fakeObjects) DeleteBatch(_ context.Context, keys []string) error {
	f.log.add("delete-objects %d", len(keys))
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for _, k := range keys {
		delete(f.keys, k)
	}
	return nil
}

func (f *fakeObjects) under(prefix string) int {
	n := 0
	for k := range f.keys {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	events []model.LifecycleEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, ev model.LifecycleEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

var berlin = mustLoad("Europe/Berlin")

// now is the fixed sweep time used across the tests.
var now = time.Date(2021, 3, 4, 12, 0, 0, 0, berlin)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// account builds a valid active account that expired one millisecond ago.
func account(id string, mut ...func(*model.Account)) model.Account {
	a := model.Account{
		AccountID: id,
		Version:   model.AccountVersion,
		Username:  "user-" + id,
		Status:    model.StatusActive,
		Expires:   now.Add(-time.Millisecond).UnixMilli(),
	}
	for _, m := range mut {
		m(&a)
	}
	return a
}

type env struct {
	log      *callLog
	clock    *testclock.Clock
	accounts *repotest.Accounts
	identity *fakeIdentity
	notifier *fakeNotifier
	objects  *fakeObjects
	events   *fakePublisher
}

func newEnv(rows ...model.Account) *env {
	log := &callLog{}
	return &env{
		log:      log,
		clock:    testclock.NewClock(now),
		accounts: repotest.NewAccounts(rows...),
		identity: newFakeIdentity(log),
		notifier: &fakeNotifier{log: log},
		objects:  newFakeObjects(log, 2),
		events:   &fakePublisher{},
	}
}

func (e *env) config() Config {
	return Config{
		Accounts: e.accounts,
		Identity: e.identity,
		Notifier: e.notifier,
		Objects:  e.objects,
		Events:   e.events,
		Clock:    e.clock,
		Location: berlin,
		PageSize: 2,
	}
}

func (e *env) expiration(t *testing.T, mut ...func(*Config)) *ExpirationSweeper {
	t.Helper()
	cfg := e.config()
	for _, m := range mut {
		m(&cfg)
	}
	s, err := NewExpirationSweeper(cfg)
	require.NoError(t, err)
	return s
}

func (e *env) removal(t *testing.T, mut ...func(*Config)) *RemovalSweeper {
	t.Helper()
	cfg := e.config()
	for _, m := range mut {
		m(&cfg)
	}
	s, err := NewRemovalSweeper(cfg)
	require.NoError(t, err)
	return s
}

func (e *env) row(t *testing.T, id string) model.Account {
	t.Helper()
	a, ok := e.accounts.Row(id)
	require.True(t, ok, "account %s missing", id)
	return a
}

var _ IdentityService = (*identity.CognitoService)(nil)
