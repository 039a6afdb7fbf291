package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func writeIdentity(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

func TestAuthenticate(t *testing.T) {
	identity, pub := writeIdentity(t)
	_, otherPub := writeIdentity(t)

	tests := []struct {
		name      string
		server    serverOptions
		req       func(ts *testServer) AuthRequest
		wantKind  ErrorKind
		wantKI    int32
		handshake int32
	}{
		{
			name:      "password preferred",
			server:    serverOptions{password: "secret", passwordAuth: true, interactive: true},
			req:       func(ts *testServer) AuthRequest { return ts.request("alice", "secret", AuthStored) },
			handshake: 1,
		},
		{
			name:      "keyboard-interactive when password is not offered",
			server:    serverOptions{password: "secret", interactive: true},
			req:       func(ts *testServer) AuthRequest { return ts.request("alice", "secret", AuthPrompt) },
			wantKI:    1,
			handshake: 1,
		},
		{
			name:      "keyboard-interactive retried once",
			server:    serverOptions{password: "secret", interactive: true, failFirstKI: true},
			req:       func(ts *testServer) AuthRequest { return ts.request("alice", "secret", AuthPrompt) },
			wantKI:    2,
			handshake: 1,
		},
		{
			name:     "wrong password",
			server:   serverOptions{password: "secret", passwordAuth: true, interactive: true},
			req:      func(ts *testServer) AuthRequest { return ts.request("alice", "nope", AuthStored) },
			wantKind: KindAuthentication,
		},
		{
			name:     "no password or interactive method",
			server:   serverOptions{authorizedKey: pub},
			req:      func(ts *testServer) AuthRequest { return ts.request("alice", "secret", AuthPrompt) },
			wantKind: KindUnknownAuthMethod,
		},
		{
			name:   "identity file",
			server: serverOptions{authorizedKey: pub},
			req: func(ts *testServer) AuthRequest {
				req := ts.request("alice", "", AuthKey)
				req.IdentityFile = identity
				return req
			},
			handshake: 1,
		},
		{
			name:   "rejected key is terminal",
			server: serverOptions{authorizedKey: otherPub, password: "secret", passwordAuth: true},
			req: func(ts *testServer) AuthRequest {
				req := ts.request("alice", "secret", AuthKey)
				req.IdentityFile = identity
				return req
			},
			wantKind: KindAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startTestServer(t, tt.server)
			engine := NewEngine(testConfig())

			node, err := engine.Authenticate(context.Background(), tt.req(ts))
			if tt.wantKind != KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err), "error: %v", err)
				assert.Nil(t, node)
				assert.Zero(t, ts.handshakes.Load())
				return
			}

			require.NoError(t, err)
			t.Cleanup(node.destroy)
			assert.True(t, node.Valid())
			assert.Equal(t, 0, node.RefCount())
			assert.Equal(t, tt.handshake, ts.handshakes.Load())
			assert.Equal(t, tt.wantKI, ts.kiRounds.Load())
		})
	}
}

func TestAuthExhaustedMessage(t *testing.T) {
	identity, _ := writeIdentity(t)
	_, otherPub := writeIdentity(t)
	ts := startTestServer(t, serverOptions{authorizedKey: otherPub})
	req := ts.request("alice", "", AuthKey)
	req.IdentityFile = identity

	_, err := NewEngine(testConfig()).Authenticate(context.Background(), req)
	require.Error(t, err)
	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, KindAuthentication, sessErr.Kind)
	assert.Contains(t, sessErr.Err.Error(), authExhaustedMsg)
}

func TestAuthenticateUnreachable(t *testing.T) {
	ts := startTestServer(t, serverOptions{password: "secret", passwordAuth: true})
	req := ts.request("alice", "secret", AuthStored)
	req.Port = freePort(t)

	_, err := NewEngine(testConfig()).Authenticate(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportConnect)
}

func TestAuthenticateInvalidRequest(t *testing.T) {
	_, err := NewEngine(testConfig()).Authenticate(context.Background(), AuthRequest{Port: 22})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestKeyModeDoesNotCachePassword(t *testing.T) {
	identity, pub := writeIdentity(t)
	ts := startTestServer(t, serverOptions{authorizedKey: pub})

	req := ts.request("alice", "ignored", AuthKey)
	req.IdentityFile = identity
	node, err := NewEngine(testConfig()).Authenticate(context.Background(), req)
	require.NoError(t, err)
	defer node.destroy()

	assert.Nil(t, node.password)
	assert.Equal(t, AuthKey, node.AuthMode())
}

func TestParseAuthMode(t *testing.T) {
	tests := []struct {
		in      string
		want    AuthMode
		wantErr bool
	}{
		{"", AuthPrompt, false},
		{"prompt", AuthPrompt, false},
		{"Stored", AuthStored, false},
		{"password", AuthStored, false},
		{"publickey", AuthKey, false},
		{"key", AuthKey, false},
		{"telepathy", AuthPrompt, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAuthMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.in != "" {
				round, err := ParseAuthMode(got.String())
				require.NoError(t, err)
				assert.Equal(t, got, round)
			}
		})
	}
}
