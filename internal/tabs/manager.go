// Package tabs is the API the front end drives: it opens terminal tabs on
// shared session nodes and tears them down again.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tethermux/internal/config"
	"tethermux/internal/login"
	"tethermux/internal/session"
	"tethermux/internal/terminal"
)

var ErrUnknownTab = errors.New("unknown tab")

// ConnectRequest is what the front end asks for. Password is zeroed by
// Connect.
type ConnectRequest struct {
	Host         string
	User         string
	Port         int
	Mode         session.AuthMode
	Password     []byte
	IdentityFile string
}

// Spawner starts the child of a tab.
type Spawner interface {
	Spawn(cmd terminal.Command, opts terminal.Options) (Child, error)
}

type ptySpawner struct {
	termType string
}

func (s ptySpawner) Spawn(cmd terminal.Command, opts terminal.Options) (Child, error) {
	opts.Log.Infof("tabs: spawning %s", cmd)
	term, err := terminal.Spawn(cmd.Cmd(s.termType, opts.Cols, opts.Rows), opts)
	if err != nil {
		return nil, err
	}
	return term, nil
}

type Options struct {
	Settings  *config.Settings
	Registry  *session.Registry
	LastUsers *config.LastUserStore
	Querier   login.Querier
	// Spawner defaults to an ssh child in a PTY.
	Spawner Spawner
	// Output mirrors child output.
	Output io.Writer
	// Notice receives per-tab progress messages.
	Notice func(tabID, msg string)
}

// Manager tracks the active tabs.
type Manager struct {
	settings  *config.Settings
	registry  *session.Registry
	sweeper   *session.Sweeper
	lastUsers *config.LastUserStore
	querier   login.Querier
	spawner   Spawner
	output    io.Writer
	notice    func(tabID, msg string)

	tabsMutex  sync.RWMutex
	activeTabs map[string]*Tab
	closeOnce  sync.Once
}

// NewManager builds a manager and starts the session sweeper.
func NewManager(opts Options) *Manager {
	if opts.Settings == nil {
		opts.Settings = config.DefaultSettings()
	}
	s := opts.Settings
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(session.NewEngine(s.SessionConfig()))
	}
	if opts.Spawner == nil {
		opts.Spawner = ptySpawner{termType: s.TermType}
	}
	if opts.Notice == nil {
		opts.Notice = func(string, string) {}
	}

	m := &Manager{
		settings:   s,
		registry:   opts.Registry,
		sweeper:    session.NewSweeper(opts.Registry, s.SweepInterval, s.IdleProbeAfter),
		lastUsers:  opts.LastUsers,
		querier:    opts.Querier,
		spawner:    opts.Spawner,
		output:     opts.Output,
		notice:     opts.Notice,
		activeTabs: make(map[string]*Tab),
	}
	m.sweeper.Start(context.Background())
	return m
}

func (m *Manager) Registry() *session.Registry { return m.registry }

// Connect authenticates (or reuses a node for) the request, spawns the
// child and starts its login driver.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*Tab, error) {
	defer clear(req.Password)

	if req.Host == "" {
		return nil, fmt.Errorf("%w: host is required", session.ErrInvalidRequest)
	}
	if req.Port == 0 {
		req.Port = m.settings.DefaultPort
	}
	defaultUser := m.defaultUser(req.Host)
	if req.User == "" {
		user, err := m.ask(login.CredentialUser, req.Host, "Username", defaultUser)
		if err != nil {
			return nil, err
		}
		req.User = strings.TrimSpace(string(user))
	}

	log := logrus.WithFields(logrus.Fields{"host": req.Host, "user": req.User})
	log.Infof("tabs: connecting to %s:%d (%s)", req.Host, req.Port, req.Mode)

	node, password, err := m.acquire(ctx, req)
	if err != nil {
		log.WithError(err).Warn("tabs: connect failed")
		return nil, err
	}
	defer clear(password)

	id := uuid.New().String()
	log = log.WithField("tab", id[:8])
	tab := &Tab{
		ID:        id,
		Host:      req.Host,
		User:      req.User,
		Port:      req.Port,
		Mode:      req.Mode,
		CreatedAt: time.Now(),
		node:      node,
		release:   m.registry.Release,
		maxBuffer: m.settings.MaxExecBuffer,
		log:       log,
		done:      make(chan struct{}),
	}

	child, err := m.spawner.Spawn(m.command(req), terminal.Options{
		Cols:   m.settings.Cols,
		Rows:   m.settings.Rows,
		Output: m.output,
		Log:    log,
	})
	if err != nil {
		m.registry.Release(node)
		return nil, fmt.Errorf("spawn terminal for %s: %w", req.Host, err)
	}
	tab.child = child
	tab.driver = login.NewDriver(login.Config{
		Host:        req.Host,
		Mode:        req.Mode,
		User:        req.User,
		DefaultUser: defaultUser,
		Password:    slices.Clone(password),
		Limits:      m.settings.LoginLimits(),
		Querier:     m.querier,
		Child:       child,
		Notice:      func(msg string) { m.notice(id, msg) },
	})

	m.tabsMutex.Lock()
	m.activeTabs[id] = tab
	m.tabsMutex.Unlock()

	go tab.run(m.forget)

	if m.lastUsers != nil {
		if err := m.lastUsers.Put(req.Host, config.LastUser{User: req.User, AuthMode: req.Mode.String()}); err != nil {
			log.Debugf("tabs: remember user: %v", err)
		}
	}
	log.Infof("tabs: opened tab on %s", node)
	return tab, nil
}

// acquire gets a node for req. In prompt mode a rejected password is asked
// again up to the attempt ceiling; the other modes fail on the first
// rejection. It returns the password that was accepted.
func (m *Manager) acquire(ctx context.Context, req ConnectRequest) (*session.Node, []byte, error) {
	password := slices.Clone(req.Password)
	label := fmt.Sprintf("Password for %s@%s", req.User, req.Host)

	for attempt := 1; ; attempt++ {
		if req.Mode == session.AuthPrompt && len(password) == 0 {
			answer, err := m.ask(login.CredentialPassword, req.Host, label, "")
			if err != nil {
				return nil, nil, err
			}
			password = answer
		}

		node, err := m.registry.Acquire(ctx, session.AuthRequest{
			Host:         req.Host,
			User:         req.User,
			Port:         req.Port,
			Mode:         req.Mode,
			Password:     password,
			IdentityFile: req.IdentityFile,
		})
		if err == nil {
			return node, password, nil
		}

		retry := req.Mode == session.AuthPrompt &&
			session.KindOf(err) == session.KindAuthentication &&
			attempt < m.settings.MaxAuthAttempts
		clear(password)
		password = nil
		if !retry {
			return nil, nil, err
		}
		m.notice("", fmt.Sprintf("Authentication to %s failed, try again", req.Host))
	}
}

func (m *Manager) ask(kind login.Credential, host, label, def string) ([]byte, error) {
	if m.querier == nil {
		return nil, &session.Error{Kind: session.KindAuthentication, Op: "connect", Host: host,
			Err: fmt.Errorf("no %s available", kind)}
	}
	answer, cancelled := m.querier.QueryCredential(kind, label, def)
	if cancelled {
		return nil, &session.Error{Kind: session.KindUserCancelled, Op: "connect", Host: host}
	}
	return []byte(answer), nil
}

func (m *Manager) defaultUser(host string) string {
	if m.lastUsers == nil {
		return ""
	}
	return m.lastUsers.DefaultUser(host)
}

func (m *Manager) command(req ConnectRequest) terminal.Command {
	cmd := terminal.Command{
		Binary:         m.settings.SSHBinary,
		Host:           req.Host,
		Port:           req.Port,
		User:           req.User,
		IdentityFile:   req.IdentityFile,
		Mode:           req.Mode,
		KnownHostsPath: m.settings.KnownHostsPath,
	}
	if ka := m.settings.KeepaliveInterval; ka > 0 {
		cmd.Options = append(cmd.Options, fmt.Sprintf("ServerAliveInterval=%d", int(ka.Seconds())))
	}
	return cmd
}

func (m *Manager) forget(t *Tab) {
	m.tabsMutex.Lock()
	defer m.tabsMutex.Unlock()
	if m.activeTabs[t.ID] == t {
		delete(m.activeTabs, t.ID)
	}
}

// Disconnect closes the tab's child and releases its node reference.
func (m *Manager) Disconnect(tabID string) error {
	m.tabsMutex.Lock()
	tab, ok := m.activeTabs[tabID]
	delete(m.activeTabs, tabID)
	m.tabsMutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}
	tab.disconnect()
	tab.log.Info("tabs: disconnected")
	return nil
}

func (m *Manager) IsConnected(tabID string) bool {
	tab, ok := m.Tab(tabID)
	return ok && tab.Connected()
}

func (m *Manager) Tab(tabID string) (*Tab, bool) {
	m.tabsMutex.RLock()
	defer m.tabsMutex.RUnlock()
	tab, ok := m.activeTabs[tabID]
	return tab, ok
}

// Tabs returns the active tabs in the order they were opened.
func (m *Manager) Tabs() []*Tab {
	m.tabsMutex.RLock()
	tabs := make([]*Tab, 0, len(m.activeTabs))
	for _, tab := range m.activeTabs {
		tabs = append(tabs, tab)
	}
	m.tabsMutex.RUnlock()
	slices.SortFunc(tabs, func(a, b *Tab) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return tabs
}

// Close disconnects every tab, stops the sweeper and closes the registry.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.tabsMutex.Lock()
		tabs := make([]*Tab, 0, len(m.activeTabs))
		for _, tab := range m.activeTabs {
			tabs = append(tabs, tab)
		}
		m.activeTabs = make(map[string]*Tab)
		m.tabsMutex.Unlock()

		var wg sync.WaitGroup
		for _, tab := range tabs {
			wg.Add(1)
			go func(t *Tab) {
				defer wg.Done()
				t.disconnect()
			}(tab)
		}
		wg.Wait()

		m.sweeper.Stop()
		m.registry.Close()
	})
}
