package protocols

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/source"
)

const defaultSSHPort = 22

// SSHExecutor runs commandLine sources over SSH.
type SSHExecutor struct {
	timeout time.Duration
}

// NewSSHExecutor creates an SSH executor.
func NewSSHExecutor(timeout time.Duration) *SSHExecutor {
	return &SSHExecutor{timeout: timeout}
}

// Execute implements Executor.
func (e *SSHExecutor) Execute(ctx context.Context, target *Target, src *connector.Source) (*source.Table, error) {
	if target.SSH == nil {
		return nil, fmt.Errorf("ssh: %w", ErrNoCredentials)
	}

	config, err := sshClientConfig(target.SSH, e.timeout)
	if err != nil {
		return nil, err
	}

	port := target.SSH.Port
	if port == 0 {
		port = defaultSSHPort
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(target.Hostname, strconv.Itoa(port)), config)
	if err != nil {
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(src.CommandLine)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("command failed: %w", r.err)
		}
		return source.ParseCSV(string(r.out), src.Separators), nil
	}
}

func sshClientConfig(creds *SSHCredentials, timeout time.Duration) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if creds.Password != "" {
		authMethods = append(authMethods, ssh.Password(creds.Password))
	}

	if creds.PrivateKey != "" {
		var key ssh.Signer
		var err error
		if creds.Passphrase != "" {
			key, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			key, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(key))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private_key required)")
	}

	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}
