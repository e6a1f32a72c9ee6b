package livestream

import (
	"fmt"
	"strings"

	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/ssh"
)

// composeDir is where the stream bridge's docker-compose project lives on
// every streamer host.
const composeDir = "BigBlueButton-liveStreaming"

// StreamParams configures one stream bridge run.
type StreamParams struct {
	BBBURL    string
	BBBSecret string
	MeetingID string
	TargetURL string
	PlayIntro string
}

// Config holds the SSH credentials used for every streamer host.
type Config struct {
	User           string
	KeyPath        string
	Password       string
	KnownHostsPath string
	Insecure       bool
}

// Controller drives the stream bridge containers on remote streamer hosts
// over SSH.
type Controller struct {
	cfg    Config
	logger logging.Logger

	dial func(host string) (ssh.Runner, error)
}

// New builds a controller. An empty user defaults to root, matching how the
// streamer hosts are provisioned.
func New(cfg Config, logger logging.Logger) *Controller {
	if cfg.User == "" {
		cfg.User = "root"
	}
	c := &Controller{cfg: cfg, logger: logger}
	c.dial = func(host string) (ssh.Runner, error) {
		return ssh.NewClient(&ssh.ConnectionConfig{
			Address:            host,
			User:               c.cfg.User,
			KeyPath:            c.cfg.KeyPath,
			Password:           c.cfg.Password,
			KnownHostsPath:     c.cfg.KnownHostsPath,
			InsecureSkipVerify: c.cfg.Insecure,
		})
	}
	return c
}

// StopExisting brings a running stream bridge down on the host so a fresh
// one can pick up the current meeting. Reports whether the compose project
// shut down cleanly.
func (c *Controller) StopExisting(host string) (bool, error) {
	runner, err := c.dial(host)
	if err != nil {
		return false, fmt.Errorf("failed to reach streamer host %s: %w", host, err)
	}
	defer runner.Close()

	cmd := fmt.Sprintf("cd; cd %s; docker-compose down", composeDir)
	out, code, err := runner.RunCommand(cmd)
	if err != nil {
		return false, err
	}
	if code != 0 {
		c.logger.WithFields(logging.Fields{"host": host, "output": out}).Warn("Failed to stop existing stream")
		return false, nil
	}
	return true, nil
}

// Start launches the stream bridge for a meeting. The compose project reads
// its target from environment variables on the remote shell.
func (c *Controller) Start(host string, p StreamParams) (bool, error) {
	runner, err := c.dial(host)
	if err != nil {
		return false, fmt.Errorf("failed to reach streamer host %s: %w", host, err)
	}
	defer runner.Close()

	env := []string{
		fmt.Sprintf("BBB_URL=%q", p.BBBURL),
		fmt.Sprintf("BBB_SECRET=%q", p.BBBSecret),
		fmt.Sprintf("BBB_MEETING_ID=%q", p.MeetingID),
		fmt.Sprintf("BBB_STREAM_URL=%q", p.TargetURL),
	}
	if p.PlayIntro != "" {
		env = append(env, fmt.Sprintf("BBB_INTRO=%q", p.PlayIntro))
	}
	cmd := fmt.Sprintf("cd; cd %s; %s docker-compose up -d", composeDir, strings.Join(env, " "))

	out, code, err := runner.RunCommand(cmd)
	if err != nil {
		return false, err
	}
	if code != 0 {
		c.logger.WithFields(logging.Fields{"host": host, "output": out}).Error("Command to start stream failed")
		return false, nil
	}
	c.logger.WithFields(logging.Fields{"host": host, "meetingID": p.MeetingID, "target": p.TargetURL}).Info("Started stream")
	return true, nil
}
