// Package sshprov issues the SSH host and user certificates that let a
// user reach a zone's in-guest sshd without trust-on-first-use, using two
// local certificate authorities (one for host certs, one for user certs)
// the way the teacher's LocalSSHimmer does for Apple containers. Adapted
// here to zones: certificates are scoped per zone name, hosts are
// addressed through the zone's reserved IPv4 third octet instead of a
// container hostname, and principals are expressed in terms of the zone's
// mapped root user rather than a single fixed login.
package sshprov

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"

	"github.com/banksean/zoned/config"
	"github.com/banksean/zoned/store"
)

const configDirName = "zoned"

// Keys is the set of SSH keys and certificates installed on a newly
// started zone for its in-guest sshd.
type Keys struct {
	HostKey     []byte // host private key
	HostKeyPub  []byte // host public key
	HostKeyCert []byte // host key certificate
	UserCAPub   []byte // public key for the user certificate authority
}

// Provisioner holds the two local certificate authorities and the user's
// own identity, and issues per-zone host certificates on demand.
type Provisioner struct {
	domain string // DNS suffix zones are reachable under, e.g. "zoned"

	knownHostsPath   string
	userIdentityPath string

	hostCAPath      string
	hostCA          ssh.Signer
	hostCAPublicKey ssh.PublicKey

	userCAPath      string
	userCertPath    string
	userCertificate []byte
	userCA          ssh.Signer
	userCAPublicKey ssh.PublicKey

	fs FileSystem
	kg KeyGenerator
}

// New sets up certificate authorities and the user's identity under
// ~/.config/zoned so zone sshd connections can be authenticated without
// TOFU prompts. It writes zoned's generated ssh_config under
// ~/.config/zoned and adds the host CA to zoned's known_hosts as a
// @cert-authority entry scoped to *.<domain>. It does not edit
// ~/.ssh/config; CheckForIncludeWithFS adds the Include line there.
func New(ctx context.Context, domain string) (*Provisioner, error) {
	return newWithDeps(ctx, domain, &RealFileSystem{}, &RealKeyGenerator{})
}

func newWithDeps(ctx context.Context, domain string, fsImpl FileSystem, kg KeyGenerator) (*Provisioner, error) {
	base := filepath.Join(os.Getenv("HOME"), ".config", configDirName)
	if _, err := fsImpl.Stat(base); err != nil {
		if err := fsImpl.MkdirAll(base, 0o777); err != nil {
			return nil, fmt.Errorf("couldn't create %s: %w", base, err)
		}
	}

	p := &Provisioner{
		domain:           domain,
		knownHostsPath:   filepath.Join(base, "known_hosts"),
		userIdentityPath: filepath.Join(base, "user_key"),
		hostCAPath:       filepath.Join(base, "host_ca"),
		userCAPath:       filepath.Join(base, "user_ca"),
		userCertPath:     filepath.Join(base, "user_cert"),
		fs:               fsImpl,
		kg:               kg,
	}

	slog.DebugContext(ctx, "sshprov.New", "getOrCreateCA userCAPath", p.userCAPath)
	userCASigner, userCAPublicKey, err := p.getOrCreateCA(p.userCAPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't get user CA from %s: %w", p.userCAPath, err)
	}
	p.userCA = userCASigner
	p.userCAPublicKey = userCAPublicKey

	userPubKey, _, err := p.getOrCreateKeyPair(p.userIdentityPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't create user identity from %s: %w", p.userIdentityPath, err)
	}

	userCert, err := p.issueUserCertificate([]string{"root"}, userPubKey)
	if err != nil {
		return nil, fmt.Errorf("couldn't issue user cert: %w", err)
	}
	p.userCertificate = userCert.Marshal()
	if err := p.writeKeyToFile(ssh.MarshalAuthorizedKey(userCert), p.userIdentityPath+"-cert.pub"); err != nil {
		return nil, err
	}
	if err := writeZonedSSHConfig(p.fs, p.domain); err != nil {
		return nil, fmt.Errorf("writeZonedSSHConfig: %w", err)
	}

	slog.InfoContext(ctx, "sshprov.New", "getOrCreateCA hostCAPath", p.hostCAPath)
	hostCASigner, hostCAPublicKey, err := p.getOrCreateCA(p.hostCAPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't get host CA from %s: %w", p.hostCAPath, err)
	}
	p.hostCA = hostCASigner
	p.hostCAPublicKey = hostCAPublicKey
	if err := p.addHostCAToKnownHosts(); err != nil {
		return nil, fmt.Errorf("addHostCAToKnownHosts: %w", err)
	}

	return p, nil
}

// NewZoneKeys generates a fresh host keypair for zoneName and issues a host
// certificate for it, valid for the principals <zoneName> and
// <zoneName>.<domain>.
func (p *Provisioner) NewZoneKeys(zoneName string) (*Keys, error) {
	privateKey, publicKey, err := p.kg.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("error generating key pair: %w", err)
	}

	hostPubKey, err := p.kg.ConvertToSSHPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("error converting to SSH public key: %w", err)
	}
	hostPrivKey := encodePrivateKeyToPEM(privateKey)

	hostCert, err := p.issueHostCertificate(zoneName, hostPubKey)
	if err != nil {
		return nil, fmt.Errorf("couldn't issue host cert: %w", err)
	}

	return &Keys{
		HostKey:     hostPrivKey,
		HostKeyPub:  ssh.MarshalAuthorizedKey(hostPubKey),
		HostKeyCert: ssh.MarshalAuthorizedKey(hostCert),
		UserCAPub:   ssh.MarshalAuthorizedKey(p.userCAPublicKey),
	}, nil
}

func (p *Provisioner) writeKeyToFile(keyBytes []byte, filename string) error {
	return p.fs.WriteFile(filename, keyBytes, 0o600)
}

func (p *Provisioner) getOrCreateKeyPair(idPath string) (ssh.PublicKey, []byte, error) {
	if _, err := p.fs.Stat(idPath); err == nil {
		pubkeyBytes, err := p.fs.ReadFile(idPath + ".pub")
		if err != nil {
			return nil, nil, fmt.Errorf("reading public key from %s: %w", idPath+".pub", err)
		}
		pubkey, _, _, _, err := ssh.ParseAuthorizedKey(pubkeyBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing public key from %s: %w", idPath+".pub", err)
		}
		privateKeyBytes, err := p.fs.ReadFile(idPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading private key from %s: %w", idPath, err)
		}
		return pubkey, privateKeyBytes, nil
	}

	privateKey, publicKey, err := p.kg.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("error generating key pair: %w", err)
	}
	sshPublicKey, err := p.kg.ConvertToSSHPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error converting to SSH public key: %w", err)
	}
	privateKeyPEM := encodePrivateKeyToPEM(privateKey)

	if err := p.writeKeyToFile(privateKeyPEM, idPath); err != nil {
		return nil, nil, fmt.Errorf("error writing private key to file: %w", err)
	}
	if err := p.writeKeyToFile(ssh.MarshalAuthorizedKey(sshPublicKey), idPath+".pub"); err != nil {
		return nil, nil, fmt.Errorf("error writing public key to file: %w", err)
	}
	return sshPublicKey, privateKeyPEM, nil
}

func (p *Provisioner) issueHostCertificate(zoneName string, certPub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:      certPub,
		Serial:   1,
		CertType: ssh.HostCert,
		KeyId:    zoneName + " host key",
		ValidPrincipals: []string{
			zoneName,
			zoneName + "." + p.domain,
		},
		ValidAfter:  uint64(time.Now().Add(-24 * time.Hour).Unix()),
		ValidBefore: uint64(time.Now().Add(720 * time.Hour).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-agent-forwarding": "",
				"permit-port-forwarding":  "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, p.hostCA); err != nil {
		return nil, fmt.Errorf("signing host certificate: %w", err)
	}
	return cert, nil
}

func (p *Provisioner) addHostCAToKnownHosts() error {
	var caLine string
	if p.hostCAPublicKey != nil {
		caLine = strings.TrimSpace("@cert-authority *." + p.domain + " " + string(ssh.MarshalAuthorizedKey(p.hostCAPublicKey)))
	}

	var outputLines []string
	existingContent, err := p.fs.ReadFile(p.knownHostsPath)
	if err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(existingContent))
		for scanner.Scan() {
			line := scanner.Text()
			if caLine != "" && strings.HasPrefix(line, "@cert-authority * ") {
				continue
			}
			outputLines = append(outputLines, line)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("couldn't read known_hosts file: %w", err)
	}
	if caLine != "" {
		outputLines = append(outputLines, caLine)
	}

	if err := p.fs.SafeWriteFile(p.knownHostsPath, []byte(strings.Join(outputLines, "\n")), 0o644); err != nil {
		return fmt.Errorf("couldn't safely write updated known_hosts to %s: %w", p.knownHostsPath, err)
	}
	return nil
}

// issueUserCertificate signs the user's identity key for the given list of
// valid principals (normally just "root", the uid-mapped root user inside
// every zone).
func (p *Provisioner) issueUserCertificate(principals []string, certPub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             certPub,
		Serial:          1,
		CertType:        ssh.UserCert,
		KeyId:           "zoned-user",
		ValidPrincipals: principals,
		ValidAfter:      uint64(time.Now().Add(-24 * time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(720 * time.Hour).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-agent-forwarding": "",
				"permit-port-forwarding":  "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, p.userCA); err != nil {
		return nil, fmt.Errorf("signing user certificate: %w", err)
	}
	return cert, nil
}

func (p *Provisioner) getOrCreateCA(path string) (ssh.Signer, ssh.PublicKey, error) {
	if _, err := p.fs.Stat(path); err == nil {
		caPrivKeyPEM, err := p.fs.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading CA file %s: %w", path, err)
		}
		privKey, err := ssh.ParsePrivateKey(caPrivKeyPEM)
		if err != nil {
			return nil, nil, err
		}
		return privKey, privKey.PublicKey(), nil
	}

	pri, pub, err := p.kg.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}
	caPublicKey, err := p.kg.ConvertToSSHPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("converting to ssh public key: %w", err)
	}
	if err := p.writeKeyToFile(ssh.MarshalAuthorizedKey(caPublicKey), path+".pub"); err != nil {
		return nil, nil, fmt.Errorf("writing CA public key to file: %w", err)
	}

	caPrivKeyPEM := encodePrivateKeyToPEM(pri)
	if err := p.writeKeyToFile(caPrivKeyPEM, path); err != nil {
		return nil, nil, fmt.Errorf("writing CA private key to file: %w", err)
	}
	caSigner, err := ssh.NewSignerFromKey(pri)
	if err != nil {
		return nil, nil, fmt.Errorf("creating CA signer from private key: %w", err)
	}
	return caSigner, caPublicKey, nil
}

func checkSSHHostResolve(ctx context.Context, hostname string) error {
	cmd := exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", "-o", "ConnectTimeout=5", hostname)
	slog.InfoContext(ctx, "checkSSHResolve", "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

// CheckForIncludeWithFS verifies that the user's ~/.ssh/config has the
// Include statement for zoned's generated ssh_config, adding it if needed.
func CheckForIncludeWithFS(ctx context.Context, fsImpl FileSystem) (func() error, error) {
	zonedInclude := "Include " + filepath.Join(os.Getenv("HOME"), ".config", configDirName, "ssh_config")
	defaultSSHPath := filepath.Join(os.Getenv("HOME"), ".ssh", "config")

	existingContent, err := fsImpl.ReadFile(defaultSSHPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fsImpl.SafeWriteFile(defaultSSHPath, []byte(zonedInclude+"\n"), 0o644)
		}
		return nil, fmt.Errorf("cannot open SSH config file: %s: %w", defaultSSHPath, err)
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(existingContent))
	if err != nil {
		return nil, fmt.Errorf("couldn't decode ssh_config: %w", err)
	}

	var includePos, firstNonIncludePos *ssh_config.Position
	for _, host := range cfg.Hosts {
		for _, node := range host.Nodes {
			if inc, ok := node.(*ssh_config.Include); ok {
				if strings.TrimSpace(inc.String()) == zonedInclude {
					pos := inc.Pos()
					includePos = &pos
				}
			} else if firstNonIncludePos == nil && !strings.HasPrefix(strings.TrimSpace(node.String()), "#") {
				pos := node.Pos()
				firstNonIncludePos = &pos
			}
		}
	}

	if includePos == nil {
		return func() error {
			return modifySSHConfig(cfg, zonedInclude, fsImpl, defaultSSHPath)
		}, nil
	}
	if firstNonIncludePos != nil && firstNonIncludePos.Line < includePos.Line {
		fmt.Printf("ssh config warning: the Include statement for zoned's ssh config on line %d of %s may prevent ssh from working with zones; move it above any Host lines.\n", includePos.Line, defaultSSHPath)
	}
	return nil, nil
}

func writeZonedSSHConfig(fsImpl FileSystem, domain string) error {
	identityPath := filepath.Join(os.Getenv("HOME"), ".config", configDirName, "user_key")
	zonedSSHConfigPath := filepath.Join(os.Getenv("HOME"), ".config", configDirName, "ssh_config")
	knownHostsPath := filepath.Join(os.Getenv("HOME"), ".config", configDirName, "known_hosts")

	hostPattern, err := ssh_config.NewPattern("*." + domain)
	if err != nil {
		return err
	}
	cfg := &ssh_config.Config{
		Hosts: []*ssh_config.Host{
			{
				Patterns: []*ssh_config.Pattern{hostPattern},
				Nodes: []ssh_config.Node{
					&ssh_config.KV{Key: "IdentityFile", Value: identityPath},
					&ssh_config.KV{Key: "UserKnownHostsFile", Value: knownHostsPath},
					&ssh_config.KV{Key: "CanonicalizeHostname", Value: "yes"},
					&ssh_config.KV{Key: "CanonicalDomains", Value: domain},
				},
			},
		},
	}

	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("couldn't marshal ssh_config: %w", err)
	}
	if err := fsImpl.SafeWriteFile(zonedSSHConfigPath, cfgBytes, 0o644); err != nil {
		return fmt.Errorf("couldn't safely write ssh_config: %w", err)
	}
	return nil
}

func modifySSHConfig(cfg *ssh_config.Config, includeLine string, fsImpl FileSystem, defaultSSHPath string) error {
	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("couldn't marshal ssh_config: %w", err)
	}
	cfgBytes = append([]byte(includeLine+"\n"), cfgBytes...)
	if err := fsImpl.SafeWriteFile(defaultSSHPath, cfgBytes, 0o644); err != nil {
		return fmt.Errorf("couldn't safely write ssh_config: %w", err)
	}
	return nil
}

func encodePrivateKeyToPEM(privateKey ed25519.PrivateKey) []byte {
	pkBytes, err := ssh.MarshalPrivateKey(privateKey, "zoned key")
	if err != nil {
		panic(fmt.Sprintf("failed to marshal private key: %v", err))
	}
	return pem.EncodeToMemory(pkBytes)
}

// FileSystem is the filesystem surface Provisioner depends on, split out
// for testability.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(name string, perm fs.FileMode) error
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	SafeWriteFile(name string, data []byte, perm fs.FileMode) error
}

// RealFileSystem implements FileSystem against the OS, delegating the
// write-temp-fsync-rename sequence to store.SafeWriteFile so both the
// manager's persisted config and a user's ssh_config share one
// implementation of atomic file replacement.
type RealFileSystem struct{}

func (RealFileSystem) Stat(name string) (fs.FileInfo, error)    { return os.Stat(name) }
func (RealFileSystem) MkdirAll(name string, perm fs.FileMode) error { return os.MkdirAll(name, perm) }
func (RealFileSystem) ReadFile(name string) ([]byte, error)     { return os.ReadFile(name) }
func (RealFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (RealFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	return store.SafeWriteFile(name, data, perm)
}

// CheckZoneSSHReachability checks that the user's SSH config includes
// zoned's generated config and that ssh can resolve zoneName.<domain>.
func CheckZoneSSHReachability(ctx context.Context, zoneName, domain string) (func() error, error) {
	if err := checkSSHHostResolve(ctx, zoneName+"."+domain); err != nil {
		return CheckForIncludeWithFS(ctx, RealFileSystem{})
	}
	return nil, nil
}

// RenderSSHHostBlock produces the ssh_config Host stanza for a single zone
// using the literal placeholder substitution the rest of the static
// configuration uses.
func RenderSSHHostBlock(zoneName string, ipThirdOctet, vt int) string {
	tmpl := "Host ~NAME~.~DOMAIN~\n    HostName 10.0.~IP~.1\n"
	tmpl = strings.ReplaceAll(tmpl, "~DOMAIN~", configDirName)
	return config.Render(tmpl, zoneName, ipThirdOctet, vt)
}

// KeyGenerator generates SSH keys, split out for testability.
type KeyGenerator interface {
	GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error)
	ConvertToSSHPublicKey(publicKey ed25519.PublicKey) (ssh.PublicKey, error)
}

// RealKeyGenerator implements KeyGenerator with crypto/ed25519.
type RealKeyGenerator struct{}

func (RealKeyGenerator) GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	return privateKey, publicKey, err
}

func (RealKeyGenerator) ConvertToSSHPublicKey(publicKey ed25519.PublicKey) (ssh.PublicKey, error) {
	return ssh.NewPublicKey(publicKey)
}
