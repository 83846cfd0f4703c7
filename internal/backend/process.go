package backend

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// procConfig describes how to spawn one engine server process.
type procConfig struct {
	Engine     string
	Bin        string
	Host       string
	PortStart  int
	PortEnd    int
	HealthPath string
	// Args builds the engine command line for a chosen host and port.
	Args func(host string, port int) []string
}

// proc is a supervised engine server bound to one model.
type proc struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	stderr  *tailBuffer
	exited  chan struct{}
	waitErr error
	stopped sync.Once
	log     zerolog.Logger
}

// spawnProc starts the engine and waits until its health endpoint answers,
// the process exits, or ctx expires.
func spawnProc(ctx context.Context, cfg procConfig, client *http.Client, log zerolog.Logger) (*proc, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	var port int
	var err error
	if cfg.PortStart > 0 && cfg.PortEnd >= cfg.PortStart {
		port, err = pickPortInRange(host, cfg.PortStart, cfg.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	cmd := exec.Command(cfg.Bin, cfg.Args(host, port)...)
	tail := &tailBuffer{max: 4096}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Engine, err)
	}
	p := &proc{
		cmd:     cmd,
		baseURL: baseURL,
		pid:     cmd.Process.Pid,
		stderr:  tail,
		exited:  make(chan struct{}),
		log:     log.With().Str("engine", cfg.Engine).Int("pid", cmd.Process.Pid).Logger(),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	p.log.Info().Str("event", "spawn_start").Str("url", baseURL).Msg("backend")

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.exited:
			p.log.Warn().Str("event", "spawn_exit").Err(p.waitErr).Msg("backend")
			if p.waitErr != nil {
				return nil, fmt.Errorf("%s exited early: %v; stderr tail: %s", cfg.Engine, p.waitErr, tail.String())
			}
			return nil, fmt.Errorf("%s exited before ready: %s", cfg.Engine, baseURL)
		case <-ctx.Done():
			p.stop(2 * time.Second)
			p.log.Warn().Str("event", "spawn_timeout").Msg("backend")
			return nil, fmt.Errorf("%s not ready: %w", cfg.Engine, ctx.Err())
		case <-tick.C:
		}
		if healthy(ctx, client, baseURL+cfg.HealthPath) {
			p.log.Info().Str("event", "spawn_ready").Str("url", baseURL).Msg("backend")
			return p, nil
		}
	}
}

func healthy(ctx context.Context, client *http.Client, url string) bool {
	hctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *proc) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// stop sends SIGTERM, then SIGKILL after grace. Safe to call repeatedly.
func (p *proc) stop(grace time.Duration) {
	p.stopped.Do(func() {
		if !p.alive() {
			return
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(grace):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		p.log.Info().Str("event", "spawn_stop").Msg("backend")
	})
}

func pickPortInRange(host string, start, end int) (int, error) {
	for port := start; port <= end; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// lookupBin resolves a configured engine binary, falling back to PATH.
func lookupBin(configured, fallback string) (string, error) {
	name := strings.TrimSpace(configured)
	if name == "" {
		name = fallback
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", ErrDependencyUnavailable(fmt.Sprintf("%s not found: %v", name, err))
	}
	return p, nil
}
