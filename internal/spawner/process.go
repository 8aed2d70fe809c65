package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rjsadow/hub/internal/db"
)

// processState is the JSON shape persisted to User.State for the process
// backend.
type processState struct {
	PID  int    `json:"pid"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// ProcessSpawner launches the user's server as a local child process,
// the way JupyterHub's default LocalProcessSpawner does for single-machine
// deployments. No container isolation, no cgroups accounting: this backend
// is for development and trusted single-tenant hosts.
type ProcessSpawner struct {
	user     *db.User
	hub      *db.Hub
	apiToken string
	cfg      Config

	mu    sync.Mutex
	cmd   *exec.Cmd
	state processState
}

// NewProcessSpawner is a spawner.Factory for the process backend.
func NewProcessSpawner(u *db.User, hub *db.Hub, apiToken string, cfg Config) (Spawner, error) {
	if len(cfg.Cmd) == 0 {
		return nil, fmt.Errorf("process spawner: Cmd must not be empty")
	}
	ip := cfg.IP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return &ProcessSpawner{
		user:     u,
		hub:      hub,
		apiToken: apiToken,
		cfg:      cfg,
		state:    processState{IP: ip, Port: cfg.Port},
	}, nil
}

// Start picks a port if none was configured, launches the child process
// with the argv template's {port} and {base_url} placeholders substituted,
// and returns once the process has been started and its listen address is
// known (not necessarily accepting connections yet).
func (s *ProcessSpawner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Port == 0 {
		port, err := allocatePort(s.state.IP)
		if err != nil {
			return fmt.Errorf("process spawner: failed to allocate port: %w", err)
		}
		s.state.Port = port
	}

	baseURL := fmt.Sprintf("/user/%s/", s.user.Name)
	argv := make([]string, len(s.cfg.Cmd))
	for i, arg := range s.cfg.Cmd {
		arg = strings.ReplaceAll(arg, "{port}", strconv.Itoa(s.state.Port))
		arg = strings.ReplaceAll(arg, "{base_url}", baseURL)
		argv[i] = arg
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(cmd.Env,
		"JUPYTERHUB_API_TOKEN="+s.apiToken,
		"JUPYTERHUB_USER="+s.user.Name,
		"JUPYTERHUB_API_URL="+s.hub.APIURL(),
		"JUPYTERHUB_BASE_URL="+baseURL,
	)
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process spawner: failed to start process: %w", err)
	}
	s.cmd = cmd
	s.state.PID = cmd.Process.Pid
	return nil
}

// Stop sends the process a termination signal and waits for it to exit.
func (s *ProcessSpawner) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "process already finished") {
		return fmt.Errorf("process spawner: failed to kill process: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Poll reports the child process's exit status, if it has exited.
func (s *ProcessSpawner) Poll(_ context.Context) (*int, error) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.ProcessState == nil {
		return nil, nil
	}
	status := cmd.ProcessState.ExitCode()
	return &status, nil
}

// GetState returns the PID, IP and port as JSON.
func (s *ProcessSpawner) GetState() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(s.state)
	return b
}

// Endpoint returns the address the child process is listening on.
func (s *ProcessSpawner) Endpoint() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IP, s.state.Port
}

// allocatePort asks the OS for a free TCP port on ip by binding to port 0
// and immediately releasing it.
func allocatePort(ip string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

var _ Spawner = (*ProcessSpawner)(nil)
