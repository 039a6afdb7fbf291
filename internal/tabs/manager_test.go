package tabs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tethermux/internal/config"
	"tethermux/internal/login"
	"tethermux/internal/session"
)

func stored(srv *sshServer, user, pw string) ConnectRequest {
	return ConnectRequest{Host: srv.host, Port: srv.port, User: user, Mode: session.AuthStored, Password: []byte(pw)}
}

func waitDone(t *testing.T, tab *Tab) {
	t.Helper()
	select {
	case <-tab.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tab did not finish")
	}
}

func TestConnectSharesNode(t *testing.T) {
	srv := startSSHServer(t, "pw")
	m, spawner := newTestManager(t, Options{})
	ctx := context.Background()

	a, err := m.Connect(ctx, stored(srv, "alice", "pw"))
	require.NoError(t, err)
	b, err := m.Connect(ctx, stored(srv, "alice", "pw"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	require.Same(t, a.Node(), b.Node())
	node := a.Node()
	assert.Equal(t, 2, node.RefCount())
	assert.Equal(t, int32(1), srv.handshakes.Load())
	assert.Len(t, spawner.commands, 2)
	assert.Equal(t, []*Tab{a, b}, m.Tabs())

	assert.True(t, m.IsConnected(a.ID))
	require.NoError(t, m.Disconnect(a.ID))
	assert.False(t, m.IsConnected(a.ID))
	assert.True(t, m.IsConnected(b.ID))
	assert.Equal(t, 1, node.RefCount())
	assert.False(t, node.Closed())
	assert.True(t, spawner.child(0).closed.Load())

	require.NoError(t, m.Disconnect(b.ID))
	assert.True(t, node.Closed())
	assert.Zero(t, m.Registry().Len())

	assert.ErrorIs(t, m.Disconnect(b.ID), ErrUnknownTab)
}

func TestConnectSpawnsCommand(t *testing.T) {
	srv := startSSHServer(t, "pw")
	m, spawner := newTestManager(t, Options{})

	_, err := m.Connect(context.Background(), stored(srv, "alice", "pw"))
	require.NoError(t, err)

	cmd := spawner.commands[0]
	assert.Equal(t, srv.host, cmd.Host)
	assert.Equal(t, srv.port, cmd.Port)
	assert.Equal(t, "alice", cmd.User)
	assert.Equal(t, session.AuthStored, cmd.Mode)
	assert.Contains(t, cmd.Options, "ServerAliveInterval=60")
}

func TestLoginInjectsPassword(t *testing.T) {
	srv := startSSHServer(t, "pw")
	noticeCh := make(chan string, 8)
	m, spawner := newTestManager(t, Options{Notice: func(_, msg string) { noticeCh <- msg }})

	req := stored(srv, "alice", "pw")
	tab, err := m.Connect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, req.Password, "request password is zeroed")

	child := spawner.child(0)
	child.line("alice@host's password:")
	require.Eventually(t, func() bool { return child.typed() == "pw\n" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Authenticating to "+srv.host+"...", <-noticeCh)

	child.line("")
	child.line("Last login: today")
	child.line("$ ")
	select {
	case <-tab.LoggedIn():
	case <-time.After(2 * time.Second):
		t.Fatal("not logged in")
	}
	assert.Equal(t, login.Logged, tab.LoginStatus().State)
}

func TestHandoffLeavesPromptsToUser(t *testing.T) {
	srv := startSSHServer(t, "pw")
	q := &scriptedQuerier{answers: []string{"other"}}
	m, spawner := newTestManager(t, Options{Querier: q})

	tab, err := m.Connect(context.Background(), stored(srv, "alice", "pw"))
	require.NoError(t, err)
	tab.Handoff()

	child := spawner.child(0)
	child.line("alice@host's password:")
	child.line("Password:")
	child.exit()
	waitDone(t, tab)

	assert.Empty(t, child.typed())
	assert.Zero(t, q.count())
	assert.NoError(t, tab.Err())
}

func TestChildExitReleasesOnce(t *testing.T) {
	srv := startSSHServer(t, "pw")
	m, spawner := newTestManager(t, Options{})

	tab, err := m.Connect(context.Background(), stored(srv, "alice", "pw"))
	require.NoError(t, err)
	node := tab.Node()

	spawner.child(0).exit()
	waitDone(t, tab)

	assert.Nil(t, tab.Node())
	assert.True(t, node.Closed())
	assert.Zero(t, node.RefCount())
	assert.Empty(t, m.Tabs())
	assert.False(t, m.IsConnected(tab.ID))
	assert.Equal(t, login.NotLogged, tab.LoginStatus().State)

	// a late disconnect must not release again
	tab.disconnect()
	assert.Zero(t, node.RefCount())
}

func TestPromptModeRetriesRejectedPassword(t *testing.T) {
	srv := startSSHServer(t, "pw")
	q := &scriptedQuerier{answers: []string{"wrong", "pw"}}
	m, _ := newTestManager(t, Options{Querier: q})

	tab, err := m.Connect(context.Background(), ConnectRequest{Host: srv.host, Port: srv.port, User: "alice", Mode: session.AuthPrompt})
	require.NoError(t, err)
	assert.True(t, tab.Connected())
	assert.Equal(t, 2, q.count())
	assert.Equal(t, "Password for alice@"+srv.host, q.asked[0])
}

func TestPromptModeAttemptCeiling(t *testing.T) {
	srv := startSSHServer(t, "pw")
	q := &scriptedQuerier{answers: []string{"a", "b", "c", "d"}}
	s := testSettings()
	s.MaxAuthAttempts = 2
	m, spawner := newTestManager(t, Options{Querier: q, Settings: s})

	_, err := m.Connect(context.Background(), ConnectRequest{Host: srv.host, Port: srv.port, User: "alice", Mode: session.AuthPrompt})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrAuthentication)
	assert.Equal(t, 2, q.count())
	assert.Empty(t, spawner.children)
}

func TestStoredModeDoesNotRetry(t *testing.T) {
	srv := startSSHServer(t, "pw")
	q := &scriptedQuerier{answers: []string{"pw"}}
	m, _ := newTestManager(t, Options{Querier: q})

	_, err := m.Connect(context.Background(), stored(srv, "alice", "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrAuthentication)
	assert.Contains(t, err.Error(), srv.host)
	assert.Zero(t, q.count())
	assert.Empty(t, m.Tabs())
}

func TestCancelledQuery(t *testing.T) {
	srv := startSSHServer(t, "pw")
	q := &scriptedQuerier{cancel: true}
	m, _ := newTestManager(t, Options{Querier: q})

	_, err := m.Connect(context.Background(), ConnectRequest{Host: srv.host, Port: srv.port, User: "alice", Mode: session.AuthPrompt})
	assert.ErrorIs(t, err, session.ErrUserCancelled)
	assert.Zero(t, srv.handshakes.Load())
	assert.Empty(t, m.Tabs())
}

func TestCancelDuringLoginKeepsOtherTabs(t *testing.T) {
	srv := startSSHServer(t, "pw")
	// answers the connect-time password, then cancels
	q := &scriptedQuerier{answers: []string{"pw"}}
	m, spawner := newTestManager(t, Options{Querier: q})
	ctx := context.Background()

	a, err := m.Connect(ctx, ConnectRequest{Host: srv.host, Port: srv.port, User: "alice", Mode: session.AuthPrompt})
	require.NoError(t, err)
	b, err := m.Connect(ctx, stored(srv, "alice", "pw"))
	require.NoError(t, err)
	node := a.Node()

	// the cached password was used for the first prompt, the second asks
	child := spawner.child(0)
	child.line("Password:")
	require.Eventually(t, func() bool { return child.typed() == "pw\n" }, 2*time.Second, 5*time.Millisecond)
	child.line("Permission denied")
	child.line("Password:")

	waitDone(t, a)
	assert.Equal(t, 2, q.count())
	assert.NoError(t, a.Err(), "a cancelled query is not an error")
	assert.True(t, b.Connected())
	assert.Equal(t, 1, node.RefCount())
}

func TestUnreachableHost(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.Connect(context.Background(), ConnectRequest{Host: "127.0.0.1", Port: 1, User: "alice", Mode: session.AuthStored, Password: []byte("pw")})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrTransportConnect)
}

func TestSpawnFailureReleasesNode(t *testing.T) {
	srv := startSSHServer(t, "pw")
	spawner := &fakeSpawner{err: errors.New("no pty")}
	m, _ := newTestManager(t, Options{Spawner: spawner})

	_, err := m.Connect(context.Background(), stored(srv, "alice", "pw"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pty")
	assert.Zero(t, m.Registry().Len())
}

func TestHomeDirFetchedOnce(t *testing.T) {
	srv := startSSHServer(t, "pw")
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	tab, err := m.Connect(ctx, stored(srv, "alice", "pw"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		home, err := tab.HomeDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/home/alice", home)
	}
	assert.Equal(t, int32(1), srv.homeLookup.Load())

	stdout, _, err := tab.Exec(ctx, "printenv HOME")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice\n", string(stdout))
}

func TestLastUserDefault(t *testing.T) {
	srv := startSSHServer(t, "pw")
	store := config.NewLastUserStore(filepath.Join(t.TempDir(), "last_users.yaml"))
	q := &scriptedQuerier{answers: []string{"alice"}}
	m, _ := newTestManager(t, Options{LastUsers: store, Querier: q})
	ctx := context.Background()

	_, err := m.Connect(ctx, stored(srv, "alice", "pw"))
	require.NoError(t, err)
	assert.Equal(t, "alice", store.DefaultUser(srv.host))

	tab, err := m.Connect(ctx, ConnectRequest{Host: srv.host, Port: srv.port, Mode: session.AuthStored, Password: []byte("pw")})
	require.NoError(t, err)
	assert.Equal(t, "alice", tab.User)
	require.Len(t, q.defs, 1)
	assert.Equal(t, "alice", q.defs[0])
}

func TestCloseDisconnectsAll(t *testing.T) {
	srv := startSSHServer(t, "pw")
	m, spawner := newTestManager(t, Options{})
	ctx := context.Background()

	a, err := m.Connect(ctx, stored(srv, "alice", "pw"))
	require.NoError(t, err)
	_, err = m.Connect(ctx, stored(srv, "bob", "pw"))
	require.NoError(t, err)
	node := a.Node()

	m.Close()
	assert.Empty(t, m.Tabs())
	assert.True(t, node.Closed())
	for i := 0; i < 2; i++ {
		assert.True(t, spawner.child(i).closed.Load())
	}
}
