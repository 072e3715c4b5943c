package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/moorctl/moor/internal/protocol"
)

// SSHDialer opens an SSH connection, authenticates, and executes the
// companion on the far end; the remote command's stdio is the trunk.
type SSHDialer struct {
	opts Options
}

func (d *SSHDialer) Kind() Kind { return KindSSH }

func (d *SSHDialer) Connect(ctx context.Context, target Target, auth Auth) (Trunk, error) {
	methods, err := authMethods(auth)
	if err != nil {
		return nil, err
	}
	hostKeyCB, err := hostKeyCallback(auth)
	if err != nil {
		return nil, err
	}

	user := target.User
	if user == "" {
		user = os.Getenv("USER")
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCB,
		Timeout:         d.opts.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrNetwork, target.Addr(), err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.Addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifySSHError(target, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: session: %v", protocol.ErrNetwork, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, fmt.Errorf("%w: stdin: %v", protocol.ErrNetwork, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, fmt.Errorf("%w: stdout: %v", protocol.ErrNetwork, err)
	}
	sess.Stderr = os.Stderr
	if err := sess.Start(d.opts.AgentCommand); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, fmt.Errorf("%w: start %q: %v", protocol.ErrNetwork, d.opts.AgentCommand, err)
	}
	return &sshTrunk{stdin: stdin, stdout: stdout, sess: sess, client: client}, nil
}

// sshTrunk ties the trunk's lifetime to the remote execution: Close tears
// down the session channel and the connection, which terminates the
// companion, on every exit path.
type sshTrunk struct {
	stdin  io.WriteCloser
	stdout io.Reader
	sess   *ssh.Session
	client *ssh.Client

	closeOnce sync.Once
	closeErr  error
}

func (t *sshTrunk) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *sshTrunk) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *sshTrunk) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()
		_ = t.sess.Close()
		t.closeErr = t.client.Close()
	})
	return t.closeErr
}

func authMethods(auth Auth) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if auth.KeyFile != "" {
		raw, err := os.ReadFile(auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read key %s: %v", protocol.ErrAuth, auth.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parse key %s: %v", protocol.ErrAuth, auth.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if auth.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			if auth.KeyFile == "" {
				return nil, fmt.Errorf("%w: agent auth requested but SSH_AUTH_SOCK unset", protocol.ErrAuth)
			}
		} else {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, fmt.Errorf("%w: agent socket: %v", protocol.ErrAuth, err)
			}
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no credentials supplied", protocol.ErrAuth)
	}
	return methods, nil
}

func hostKeyCallback(auth Auth) (ssh.HostKeyCallback, error) {
	switch auth.HostKeyPolicy {
	case PolicyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	case PolicyStrict, PolicyFirstUse, "":
	default:
		return nil, fmt.Errorf("%w: host key policy %q", protocol.ErrHostKey, auth.HostKeyPolicy)
	}

	path := auth.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: known hosts path: %v", protocol.ErrHostKey, err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	firstUse := auth.HostKeyPolicy == PolicyFirstUse
	if firstUse {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: known hosts dir: %v", protocol.ErrHostKey, err)
		}
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600); err == nil {
			_ = f.Close()
		}
	}
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: known hosts %s: %v", protocol.ErrHostKey, path, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if firstUse && errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(path, hostname, remote, key)
		}
		return fmt.Errorf("%w: %s: %v", protocol.ErrHostKey, hostname, err)
	}, nil
}

func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: record host key: %v", protocol.ErrHostKey, err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("%w: record host key: %v", protocol.ErrHostKey, err)
	}
	return nil
}

func classifySSHError(target Target, err error) error {
	if errors.Is(err, protocol.ErrHostKey) {
		return err
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return fmt.Errorf("%w: %s: %v", protocol.ErrHostKey, target.Host, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return fmt.Errorf("%w: %s: %v", protocol.ErrAuth, target.Host, err)
	}
	return fmt.Errorf("%w: handshake with %s: %v", protocol.ErrNetwork, target.Addr(), err)
}
