package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/tailor/internal/api"
	"github.com/hyperengineering/tailor/internal/auth"
	"github.com/hyperengineering/tailor/internal/store"
	tailorsync "github.com/hyperengineering/tailor/internal/sync"
)

const testSigningKey = "cmd-test-signing-key"

// newTestBackend starts an in-process Tailor server.
func newTestBackend(t *testing.T) (string, *auth.Issuer) {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	issuer, err := auth.NewIssuer([]byte(testSigningKey), time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	hub := tailorsync.NewHub()

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(s, hub, issuer, "test", time.Hour)))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		s.Close()
	})
	return srv.URL, issuer
}

// isolateEnv points config loading at a missing file and clears overrides.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TAILOR_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	for _, v := range []string{
		"TAILOR_BACKEND_URL",
		"TAILOR_CUSTOM_TOKEN",
		"TAILOR_SIGNING_KEY",
		"TAILOR_DEV_MODE",
		"TAILOR_LOG_LEVEL",
		"TAILOR_LOG_FORMAT",
		"TAILOR_LOG_FILE",
	} {
		t.Setenv(v, "")
	}
	t.Setenv("TAILOR_LOG_LEVEL", "error")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

// executeCmd runs the root command with captured output.
func executeCmd(t *testing.T, ctx context.Context, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Cobra parses into package-level variables; reset them so values from
	// previous tests do not leak.
	backendURL = ""
	customersJSONOutput = false
	customersToken = ""
	customersTimeout = 5 * time.Second
	listOnce = false
	addName = ""
	addPhone = ""
	addMeasurements = ""
	mintTTL = time.Hour

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)

	err = rootCmd.ExecuteContext(ctx)

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

func TestCustomersAdd_ThenList(t *testing.T) {
	isolateEnv(t)
	url, issuer := newTestBackend(t)
	token, err := issuer.MintCustomToken("atelier", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	stdout, _, err := executeCmd(t, context.Background(),
		"customers", "add", "--url", url, "--token", token,
		"--name", "Ada", "--phone", "555-0100", "--measurements", "chest 92")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(stdout, "Customer added successfully!") {
		t.Errorf("stdout = %q, want success message", stdout)
	}

	stdout, _, err = executeCmd(t, context.Background(),
		"customers", "list", "--url", url, "--token", token)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"NAME", "Ada", "555-0100", "chest 92"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout = %q, want it to contain %q", stdout, want)
		}
	}
}

func TestCustomersList_JSONOutput(t *testing.T) {
	isolateEnv(t)
	url, issuer := newTestBackend(t)
	token, err := issuer.MintCustomToken("atelier", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	for _, name := range []string{"Ada", "Grace"} {
		if _, _, err := executeCmd(t, context.Background(),
			"customers", "add", "--url", url, "--token", token, "--name", name, "--phone", "555"); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	stdout, _, err := executeCmd(t, context.Background(),
		"customers", "list", "--json", "--url", url, "--token", token)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	var result struct {
		Identity  string `json:"identity"`
		Total     int    `json:"total"`
		Customers []struct {
			Name string `json:"name"`
		} `json:"customers"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if result.Identity != "atelier" {
		t.Errorf("identity = %q, want atelier", result.Identity)
	}
	if result.Total != 2 || len(result.Customers) != 2 {
		t.Fatalf("total = %d, customers = %v", result.Total, result.Customers)
	}
	if result.Customers[0].Name != "Grace" {
		t.Errorf("first customer = %q, want newest (Grace)", result.Customers[0].Name)
	}
}

func TestCustomersList_Once(t *testing.T) {
	isolateEnv(t)
	url, issuer := newTestBackend(t)
	token, err := issuer.MintCustomToken("atelier", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := executeCmd(t, context.Background(),
		"customers", "add", "--url", url, "--token", token, "--name", "Ada", "--phone", "555-0100"); err != nil {
		t.Fatalf("add: %v", err)
	}

	stdout, _, err := executeCmd(t, context.Background(),
		"customers", "list", "--once", "--json", "--url", url, "--token", token)
	if err != nil {
		t.Fatalf("list --once: %v", err)
	}
	if !strings.Contains(stdout, `"name": "Ada"`) || !strings.Contains(stdout, `"total": 1`) {
		t.Errorf("stdout = %q, want Ada with total 1", stdout)
	}

	_, _, err = executeCmd(t, context.Background(),
		"customers", "list", "--once", "--url", url, "--token", "forged")
	if err == nil || !strings.HasPrefix(err.Error(), "Error: ") {
		t.Errorf("error = %v, want auth failure feedback", err)
	}
}

func TestCustomersList_EmptyAnonymous(t *testing.T) {
	isolateEnv(t)
	url, _ := newTestBackend(t)

	stdout, _, err := executeCmd(t, context.Background(), "customers", "list", "--url", url)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(stdout, "No customers found.") {
		t.Errorf("stdout = %q, want empty message", stdout)
	}
}

func TestCustomersList_BackendFromEnv(t *testing.T) {
	isolateEnv(t)
	url, _ := newTestBackend(t)
	t.Setenv("TAILOR_BACKEND_URL", url)

	stdout, _, err := executeCmd(t, context.Background(), "customers", "list", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(stdout, `"total": 0`) {
		t.Errorf("stdout = %q, want total 0", stdout)
	}
}

func TestCustomersAdd_MissingFields(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeCmd(t, context.Background(), "customers", "add", "--name", "Ada")
	if err == nil {
		t.Fatal("expected error for missing phone")
	}
	if err.Error() != "Please fill in both name and phone number." {
		t.Errorf("error = %q", err)
	}
}

func TestCustomersAdd_InvalidToken(t *testing.T) {
	isolateEnv(t)
	url, _ := newTestBackend(t)

	_, _, err := executeCmd(t, context.Background(),
		"customers", "add", "--url", url, "--token", "forged", "--name", "Ada", "--phone", "555")
	if err == nil {
		t.Fatal("expected error for rejected token")
	}
	if !strings.HasPrefix(err.Error(), "Error: ") {
		t.Errorf("error = %q, want auth failure feedback", err)
	}
}

func TestCustomersWatch_PrintsStateUntilCancelled(t *testing.T) {
	isolateEnv(t)
	url, _ := newTestBackend(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	stdout, _, err := executeCmd(t, ctx, "customers", "watch", "--url", url)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(stdout, "[subscription_active] Data loaded successfully. (0 customers)") {
		t.Errorf("stdout = %q, want loaded state line", stdout)
	}
}

func TestTokenMint(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TAILOR_SIGNING_KEY", testSigningKey)

	stdout, _, err := executeCmd(t, context.Background(), "token", "mint", "shop-1", "--ttl", "10m")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	issuer, err := auth.NewIssuer([]byte(testSigningKey), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	sess, err := issuer.ExchangeCustomToken(strings.TrimSpace(stdout))
	if err != nil {
		t.Fatalf("exchange minted token: %v", err)
	}
	if sess.UID != "shop-1" {
		t.Errorf("UID = %q, want shop-1", sess.UID)
	}
}

func TestTokenMint_RejectsInvalidUID(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TAILOR_SIGNING_KEY", testSigningKey)

	for _, uid := range []string{"a/b", "  ", "users/x/customers"} {
		stdout, _, err := executeCmd(t, context.Background(), "token", "mint", uid)
		if err == nil {
			t.Errorf("mint %q: expected error", uid)
		}
		if stdout != "" {
			t.Errorf("mint %q: stdout = %q, want no token", uid, stdout)
		}
	}
}

func TestTokenMint_RequiresSigningKey(t *testing.T) {
	isolateEnv(t)

	if _, _, err := executeCmd(t, context.Background(), "token", "mint", "shop-1"); err == nil {
		t.Error("expected error without signing key")
	}

	t.Setenv("TAILOR_DEV_MODE", "true")
	if _, _, err := executeCmd(t, context.Background(), "token", "mint", "shop-1"); err == nil {
		t.Error("expected error with a generated dev key")
	}
}
