package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/ternarybob/repx/internal/interfaces"
)

// SSHTransport executes commands and syncs files over a single long-lived
// SSH connection. Sessions are multiplexed over the one client so per-job
// overhead stays proportional to compute rather than to handshake cost.
type SSHTransport struct {
	client *ssh.Client
	host   string
	logger arbor.ILogger
}

// SSHOptions configures the outbound channel
type SSHOptions struct {
	// Address is "user@host" or "user@host:port"
	Address string
	// KeyPath optionally names a private key file; the SSH agent is used
	// otherwise
	KeyPath string
	// StrictHostKey enables known_hosts verification (the default)
	StrictHostKey bool
}

// NewSSHTransport dials the remote host and holds the connection open
func NewSSHTransport(opts SSHOptions, logger arbor.ILogger) (*SSHTransport, error) {
	user, host, port, err := splitAddress(opts.Address)
	if err != nil {
		return nil, err
	}

	var authMethods []ssh.AuthMethod
	if opts.KeyPath != "" {
		if keyAuth := keyFileAuth(opts.KeyPath); keyAuth != nil {
			authMethods = append(authMethods, keyAuth)
		}
	}
	if agentAuth := sshAgentAuth(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no SSH auth available for %s: no key file and no agent", opts.Address)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback(opts.StrictHostKey),
	}

	addr := net.JoinHostPort(host, port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, Retryable(fmt.Errorf("ssh dial %s failed: %w", addr, err))
	}

	logger.Debug().Str("host", host).Msg("SSH connection established")

	return &SSHTransport{
		client: client,
		host:   host,
		logger: logger,
	}, nil
}

// Exec runs argv on the remote host over a fresh session of the shared
// connection
func (t *SSHTransport) Exec(ctx context.Context, spec interfaces.ExecSpec) (interfaces.Completion, error) {
	if len(spec.Argv) == 0 {
		return interfaces.Completion{}, fmt.Errorf("empty argv")
	}

	var completion interfaces.Completion
	err := withRetry(ctx, t.logger, "remote exec", func() error {
		c, err := t.execOnce(ctx, spec)
		if err != nil {
			return err
		}
		completion = c
		return nil
	})
	return completion, err
}

func (t *SSHTransport) execOnce(ctx context.Context, spec interfaces.ExecSpec) (interfaces.Completion, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return interfaces.Completion{}, Retryable(fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	cmd := shellCommand(spec)

	if spec.Stdin != nil {
		session.Stdin = spec.Stdin
	}

	var stdout, stderr bytes.Buffer
	if spec.Stdout != nil {
		session.Stdout = spec.Stdout
	} else {
		session.Stdout = &stdout
	}
	if spec.Stderr != nil {
		session.Stderr = spec.Stderr
	} else {
		session.Stderr = &stderr
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return interfaces.Completion{ExitCode: -1}, ctx.Err()
	case err := <-done:
		completion := interfaces.Completion{
			Stdout: stdout.Bytes(),
			Stderr: stderr.Bytes(),
		}
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				completion.ExitCode = exitErr.ExitStatus()
				return completion, nil
			}
			return completion, Retryable(fmt.Errorf("remote command failed: %w", err))
		}
		return completion, nil
	}
}

// PutFile mirrors a local file or directory to the remote host through a
// tar pipe, preserving executability
func (t *SSHTransport) PutFile(ctx context.Context, srcLocal, dstRemote string) error {
	info, err := os.Stat(srcLocal)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", srcLocal, err)
	}

	var tarDir, tarArg string
	if info.IsDir() {
		tarDir, tarArg = srcLocal, "."
	} else {
		tarDir, tarArg = filepath.Dir(srcLocal), filepath.Base(srcLocal)
	}

	dstDir := dstRemote
	renameFrom := ""
	if !info.IsDir() {
		dstDir = filepath.Dir(dstRemote)
		if filepath.Base(dstRemote) != tarArg {
			renameFrom = tarArg
		}
	}
	if err := t.MkdirP(ctx, dstDir); err != nil {
		return err
	}

	return withRetry(ctx, t.logger, "file upload", func() error {
		stream := tarStream(tarDir, tarArg)
		defer stream.Close()

		unpack := fmt.Sprintf("tar -xf - -C %s", ShellQuote(dstDir))
		if renameFrom != "" {
			unpack += fmt.Sprintf(" && mv %s %s",
				ShellQuote(filepath.Join(dstDir, renameFrom)), ShellQuote(dstRemote))
		}

		c, err := t.execOnce(ctx, interfaces.ExecSpec{
			Argv:  []string{"sh", "-c", unpack},
			Stdin: stream,
		})
		if err != nil {
			return err
		}
		if c.ExitCode != 0 {
			return Retryable(fmt.Errorf("remote unpack exited %d: %s", c.ExitCode, c.Stderr))
		}
		return nil
	})
}

// GetFile mirrors a remote file or directory to the local host through a
// tar pipe
func (t *SSHTransport) GetFile(ctx context.Context, srcRemote, dstLocal string) error {
	if err := os.MkdirAll(dstLocal, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dstLocal, err)
	}

	return withRetry(ctx, t.logger, "file download", func() error {
		pack := fmt.Sprintf(
			"if [ -d %[1]s ]; then tar -cf - -C %[1]s .; else tar -cf - -C %[2]s %[3]s; fi",
			ShellQuote(srcRemote),
			ShellQuote(filepath.Dir(srcRemote)),
			ShellQuote(filepath.Base(srcRemote)),
		)

		var tarStream bytes.Buffer
		c, err := t.execOnce(ctx, interfaces.ExecSpec{
			Argv:   []string{"sh", "-c", pack},
			Stdout: &tarStream,
		})
		if err != nil {
			return err
		}
		if c.ExitCode != 0 {
			return Retryable(fmt.Errorf("remote pack exited %d: %s", c.ExitCode, c.Stderr))
		}
		return untarInto(&tarStream, dstLocal)
	})
}

// Exists reports whether the path exists on the remote host
func (t *SSHTransport) Exists(ctx context.Context, path string) (bool, error) {
	c, err := t.Exec(ctx, interfaces.ExecSpec{
		Argv: []string{"test", "-e", path},
	})
	if err != nil {
		return false, err
	}
	return c.ExitCode == 0, nil
}

// MkdirP creates the directory and all parents on the remote host
func (t *SSHTransport) MkdirP(ctx context.Context, path string) error {
	c, err := t.Exec(ctx, interfaces.ExecSpec{
		Argv: []string{"mkdir", "-p", path},
	})
	if err != nil {
		return err
	}
	if c.ExitCode != 0 {
		return fmt.Errorf("mkdir -p %s exited %d: %s", path, c.ExitCode, c.Stderr)
	}
	return nil
}

// IsLocal reports that this transport addresses a remote host
func (t *SSHTransport) IsLocal() bool {
	return false
}

// Close closes the shared SSH connection
func (t *SSHTransport) Close() error {
	return t.client.Close()
}

// shellCommand renders an ExecSpec into one remote shell command line
func shellCommand(spec interfaces.ExecSpec) string {
	var sb strings.Builder
	for k, v := range spec.Env {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(ShellQuote(v))
		sb.WriteString(" ")
	}
	escaped := make([]string, len(spec.Argv))
	for i, arg := range spec.Argv {
		escaped[i] = ShellQuote(arg)
	}
	cmd := sb.String() + strings.Join(escaped, " ")
	if spec.Dir != "" {
		cmd = fmt.Sprintf("cd %s && %s", ShellQuote(spec.Dir), cmd)
	}
	return cmd
}

// ShellQuote single-quotes one argument for a POSIX shell, used wherever a
// command line crosses a shell boundary (remote exec, sbatch --wrap)
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// splitAddress parses "user@host" or "user@host:port"
func splitAddress(address string) (user, host, port string, err error) {
	at := strings.Index(address, "@")
	if at <= 0 {
		return "", "", "", fmt.Errorf("remote address %q must be user@host", address)
	}
	user = address[:at]
	host = address[at+1:]
	port = "22"
	if colon := strings.LastIndex(host, ":"); colon >= 0 {
		port = host[colon+1:]
		host = host[:colon]
	}
	if host == "" {
		return "", "", "", fmt.Errorf("remote address %q has empty host", address)
	}
	return user, host, port, nil
}

func keyFileAuth(keyPath string) ssh.AuthMethod {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil
	}
	return ssh.PublicKeys(signer)
}

func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}
	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers)
}

func hostKeyCallback(strict bool) ssh.HostKeyCallback {
	if !strict {
		return ssh.InsecureIgnoreHostKey()
	}
	knownHostsPath := os.ExpandEnv("$HOME/.ssh/known_hosts")
	callback, err := loadKnownHosts(knownHostsPath)
	if err != nil {
		// No readable known_hosts file: host keys are not verified
		return ssh.InsecureIgnoreHostKey()
	}
	return callback
}

func loadKnownHosts(path string) (ssh.HostKeyCallback, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	knownHosts := make(map[string]ssh.PublicKey)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		for _, host := range strings.Split(parts[0], ",") {
			knownHosts[host+":"+parts[1]] = pubKey
		}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// The dial address arrives as host:port; known_hosts records port 22
		// as the bare host and other ports as [host]:port
		if h, p, err := net.SplitHostPort(hostname); err == nil {
			hostname = h
			if p != "22" {
				hostname = "[" + h + "]:" + p
			}
		}
		knownKey, ok := knownHosts[hostname+":"+key.Type()]
		if !ok {
			return fmt.Errorf("host key not found in known_hosts: %s", hostname)
		}
		if !bytes.Equal(key.Marshal(), knownKey.Marshal()) {
			return fmt.Errorf("host key mismatch for %s", hostname)
		}
		return nil
	}, nil
}
