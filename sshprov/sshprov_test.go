package sshprov

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io/fs"
	"os"
	"testing"

	"golang.org/x/crypto/ssh"
)

// mockFileSystem implements FileSystem entirely in memory.
type mockFileSystem struct {
	files  map[string][]byte
	failOn map[string]error
}

func newMockFileSystem() *mockFileSystem {
	return &mockFileSystem{files: make(map[string][]byte), failOn: make(map[string]error)}
}

func (m *mockFileSystem) Stat(name string) (fs.FileInfo, error) {
	if err, ok := m.failOn["Stat"]; ok {
		return nil, err
	}
	if _, exists := m.files[name]; exists {
		return nil, nil
	}
	return nil, os.ErrNotExist
}

func (m *mockFileSystem) MkdirAll(name string, perm fs.FileMode) error { return nil }

func (m *mockFileSystem) ReadFile(name string) ([]byte, error) {
	data, exists := m.files[name]
	if !exists {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return data, nil
}

func (m *mockFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	m.files[name] = data
	return nil
}

func (m *mockFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	m.files[name] = data
	return nil
}

// mockKeyGenerator returns a fresh random ed25519 keypair from crypto/rand
// on every call, the same as RealKeyGenerator.
type mockKeyGenerator struct{}

func (mockKeyGenerator) GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, pub, err
}

func (mockKeyGenerator) ConvertToSSHPublicKey(publicKey ed25519.PublicKey) (ssh.PublicKey, error) {
	return ssh.NewPublicKey(publicKey)
}

func newTestProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	p, err := newWithDeps(context.Background(), "zoned", newMockFileSystem(), mockKeyGenerator{})
	if err != nil {
		t.Fatalf("newWithDeps: %v", err)
	}
	return p
}

func TestNewProvisionsCAsAndUserIdentity(t *testing.T) {
	p := newTestProvisioner(t)
	if p.hostCA == nil || p.userCA == nil {
		t.Fatalf("expected both CAs to be initialized")
	}
	if len(p.userCertificate) == 0 {
		t.Fatalf("expected a user certificate to be issued")
	}
}

func TestNewZoneKeysIssuesHostCertForZone(t *testing.T) {
	p := newTestProvisioner(t)

	keys, err := p.NewZoneKeys("dev-zone")
	if err != nil {
		t.Fatalf("NewZoneKeys: %v", err)
	}
	if len(keys.HostKeyCert) == 0 || len(keys.HostKey) == 0 {
		t.Fatalf("expected host key and certificate to be populated")
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey(keys.HostKeyCert)
	if err != nil {
		t.Fatalf("parse issued cert: %v", err)
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		t.Fatalf("expected *ssh.Certificate, got %T", pub)
	}
	if cert.CertType != ssh.HostCert {
		t.Fatalf("expected a host certificate, got cert type %d", cert.CertType)
	}
	wantPrincipal := "dev-zone"
	found := false
	for _, pr := range cert.ValidPrincipals {
		if pr == wantPrincipal {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected principal %q among %v", wantPrincipal, cert.ValidPrincipals)
	}
}

func TestGetOrCreateCAIsIdempotent(t *testing.T) {
	fsImpl := newMockFileSystem()
	kg := mockKeyGenerator{}
	p := &Provisioner{fs: fsImpl, kg: kg}

	signer1, pub1, err := p.getOrCreateCA("/ca")
	if err != nil {
		t.Fatalf("first getOrCreateCA: %v", err)
	}
	signer2, pub2, err := p.getOrCreateCA("/ca")
	if err != nil {
		t.Fatalf("second getOrCreateCA: %v", err)
	}
	if string(pub1.Marshal()) != string(pub2.Marshal()) {
		t.Fatalf("expected the same CA to be reloaded, got different public keys")
	}
	if string(signer1.PublicKey().Marshal()) != string(signer2.PublicKey().Marshal()) {
		t.Fatalf("expected the same signer to be reloaded")
	}
}

func TestRenderSSHHostBlockSubstitutesPlaceholders(t *testing.T) {
	got := RenderSSHHostBlock("dev-zone", 7, 3)
	want := "Host dev-zone.zoned\n    HostName 10.0.7.1\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
