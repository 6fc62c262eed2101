//go:build e2e

package e2e

import (
	"bytes"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const signingKey = "e2e-test-signing-key"

// tailorServer manages a running Tailor server process.
type tailorServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	dbPath  string
	logFile string
}

// startTailor launches the Tailor binary and waits for it to become healthy.
// The server is configured entirely via environment variables.
func startTailor(t *testing.T) *tailorServer {
	t.Helper()

	if tailorBin == "" {
		t.Skip("tailor binary not available (set TAILOR_BIN or add to PATH)")
	}

	dataDir := t.TempDir()
	port := freePort(t)
	s := &tailorServer{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		dbPath:  filepath.Join(dataDir, "tailor.db"),
		logFile: filepath.Join(dataDir, "tailor.log"),
	}

	s.cmd = exec.Command(tailorBin)
	s.cmd.Env = append(s.baseEnv(),
		fmt.Sprintf("TAILOR_PORT=%d", port),
		"TAILOR_DB_PATH="+s.dbPath,
		"TAILOR_STREAM_HEARTBEAT=1s",
		"TAILOR_LOG_LEVEL=info",
	)

	lf, err := os.Create(s.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	s.cmd.Stdout = lf
	s.cmd.Stderr = lf

	if err := s.cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start tailor: %v", err)
	}

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("tailor not healthy: %v", err)
	}
	return s
}

// baseEnv isolates the process from any local config file.
func (s *tailorServer) baseEnv() []string {
	return append(os.Environ(),
		"TAILOR_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"),
		"TAILOR_SIGNING_KEY="+signingKey,
		"TAILOR_LOG_LEVEL=warn",
	)
}

// stop sends SIGINT and returns the exit error, if any.
func (s *tailorServer) stop() error {
	if s.cmd == nil || s.cmd.Process == nil || s.cmd.ProcessState != nil {
		return nil
	}
	_ = s.cmd.Process.Signal(os.Interrupt)
	return s.cmd.Wait()
}

func (s *tailorServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *tailorServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/v1/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("tailor not healthy after %s", timeout)
}

// cli runs a client command against the server and returns stdout.
func (s *tailorServer) cli(t *testing.T, args ...string) (string, error) {
	t.Helper()

	args = append(args, "--url", s.baseURL())
	cmd := exec.Command(tailorBin, args...)
	cmd.Env = s.baseEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// mint returns a custom token for uid.
func (s *tailorServer) mint(t *testing.T, uid string) string {
	t.Helper()
	out, err := s.cli(t, "token", "mint", uid)
	if err != nil {
		t.Fatalf("token mint: %v", err)
	}
	return strings.TrimSpace(out)
}

// db opens the server database read-only for verification.
func (s *tailorServer) db(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+s.dbPath+"?mode=ro")
	if err != nil {
		t.Fatalf("open server DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func (s *tailorServer) logs(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(s.logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(data)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
