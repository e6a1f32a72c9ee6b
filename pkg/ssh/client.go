package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectionConfig describes how to reach a remote host.
type ConnectionConfig struct {
	Address        string
	Port           int
	User           string
	KeyPath        string
	Password       string
	KnownHostsPath string
	Timeout        time.Duration

	// InsecureSkipVerify disables host key verification. Only for
	// throwaway lab hosts.
	InsecureSkipVerify bool
}

// Runner executes commands on a host.
type Runner interface {
	RunCommand(command string) (stdout string, exitCode int, err error)
	Close() error
}

// Client wraps an SSH connection and implements Runner
type Client struct {
	config *ConnectionConfig
	conn   *ssh.Client
}

// NewClient creates a new SSH client
func NewClient(config *ConnectionConfig) (*Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:    config.User,
		Timeout: config.Timeout,
	}

	if config.KeyPath != "" {
		key, err := os.ReadFile(config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(config.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, fmt.Errorf("no SSH auth method configured for %s", config.Address)
	}

	hostKeyCallback, err := buildHostKeyCallback(config)
	if err != nil {
		return nil, fmt.Errorf("failed to setup host key verification: %w", err)
	}
	sshConfig.HostKeyCallback = hostKeyCallback

	port := config.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", config.Address, port)
	conn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	return &Client{
		config: config,
		conn:   conn,
	}, nil
}

// buildHostKeyCallback creates a host key callback based on config
func buildHostKeyCallback(config *ConnectionConfig) (ssh.HostKeyCallback, error) {
	if config.InsecureSkipVerify {
		fmt.Fprintf(os.Stderr, "WARNING: SSH host key verification disabled for %s - vulnerable to MITM attacks\n", config.Address)
		return ssh.InsecureIgnoreHostKey(), nil
	}

	knownHostsPath := config.KnownHostsPath
	if knownHostsPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		knownHostsPath = homeDir + "/.ssh/known_hosts"
	}

	return knownhosts.New(knownHostsPath)
}

// RunCommand executes a command on the remote host and returns the combined
// output and the remote exit code.
func (c *Client) RunCommand(command string) (string, int, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("failed to open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	if err := session.Run(command); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return output.String(), exitErr.ExitStatus(), nil
		}
		return output.String(), -1, fmt.Errorf("run %q: %w", command, err)
	}
	return output.String(), 0, nil
}

// Close closes the SSH connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
