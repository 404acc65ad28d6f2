package ctl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dmitrijs2005/ankisync/internal/netx"
)

var errNotRunning = errors.New("the server is not running")

// Seams for spawning and signalling the server.
var (
	startDetached = func(bin string, args []string) (int, error) {
		cmd := exec.Command(bin, args...)
		cmd.SysProcAttr = detached()
		if err := cmd.Start(); err != nil {
			return 0, err
		}
		pid := cmd.Process.Pid
		_ = cmd.Process.Release()
		return pid, nil
	}

	runForeground = func(ctx context.Context, bin string, args []string) error {
		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		return cmd.Run()
	}

	signalProcess = func(pid int, sig os.Signal) error {
		p, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		return p.Signal(sig)
	}

	executable = os.Executable

	checkHealth = netx.CheckHealth
)

// resolveBinary finds bin on PATH or, failing that, next to this tool.
func resolveBinary(bin string) string {
	if strings.ContainsRune(bin, os.PathSeparator) {
		return bin
	}
	if p, err := exec.LookPath(bin); err == nil {
		return p
	}
	if self, err := executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), bin)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return bin
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func alive(pid int) bool {
	return signalProcess(pid, syscall.Signal(0)) == nil
}

// serverArgs builds the server command line: every server flag given to
// the tool, plus -c for a config file named positionally.
func serverArgs(flags []string, configFile string) []string {
	args := append([]string{}, flags...)
	if configFile != "" {
		args = append(args, "-c", configFile)
	}
	return args
}

func (a *App) start(args []string, configFile string) error {
	if pid, err := readPID(a.config.PIDPath); err == nil && alive(pid) {
		return fmt.Errorf("the server is already running (pid %d)", pid)
	}

	pid, err := startDetached(resolveBinary(a.config.ServerBinary), serverArgs(args, configFile))
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := writePID(a.config.PIDPath, pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	fmt.Fprintf(a.stdout, "server started (pid %d)\n", pid)
	return nil
}

func (a *App) debug(ctx context.Context, args []string, configFile string) error {
	return runForeground(ctx, resolveBinary(a.config.ServerBinary), serverArgs(args, configFile))
}

func (a *App) stop() error {
	pid, err := readPID(a.config.PIDPath)
	if err != nil {
		return err
	}
	if err := signalProcess(pid, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	if err := os.Remove(a.config.PIDPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	fmt.Fprintf(a.stdout, "server stopped (pid %d)\n", pid)
	return nil
}

func (a *App) status(ctx context.Context) error {
	pid, err := readPID(a.config.PIDPath)
	if err != nil {
		return err
	}
	if !alive(pid) {
		return fmt.Errorf("%w (stale pid file, pid %d)", errNotRunning, pid)
	}

	base, err := netx.BaseURL(a.config.EndpointAddrHTTP)
	if err != nil {
		return fmt.Errorf("http address: %w", err)
	}
	h, err := checkHealth(ctx, base)
	if err != nil {
		return fmt.Errorf("server process %d is up but not healthy: %w", pid, err)
	}
	fmt.Fprintf(a.stdout, "server running (pid %d, status %s, protocol %d)\n", pid, h.Status, h.Protocol)
	return nil
}
