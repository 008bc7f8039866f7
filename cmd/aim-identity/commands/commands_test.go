package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aim-chat/identity-core/internal/testutil/fsperm"
)

type cli struct {
	t      *testing.T
	config string
	data   string
}

func newCLI(t *testing.T) cli {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "identity.yaml")
	cfg := "storage:\n  driver: badger\nkdf:\n  iterations: 100000\nlog:\n  level: error\nmetrics:\n  enabled: false\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv(pinEnv, "")
	return cli{t: t, config: cfgPath, data: filepath.Join(dir, "data")}
}

func (c cli) run(args ...string) (string, error) {
	c.t.Helper()
	return c.runContext(context.Background(), args...)
}

func (c cli) runContext(ctx context.Context, args ...string) (string, error) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", c.config, "--data-dir", c.data}, args...)
	err := run(ctx, BuildInfo{Version: "test"}, full, &stdout, &stderr)
	return stdout.String(), err
}

func TestInterruptedCommandReleasesStore(t *testing.T) {
	c := newCLI(t)
	if _, err := c.run("--pin", "123456", "generate", "alice"); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.runContext(ctx, "list"); err == nil {
		t.Fatal("expected an interrupted command to fail")
	}
	if core != nil {
		t.Fatal("core must be closed after an interrupted command")
	}
	out, err := c.run("list")
	if err != nil {
		t.Fatalf("list after interrupt failed: %v", err)
	}
	if !strings.Contains(out, "alice") {
		t.Fatalf("expected alice after reopen, got %q", out)
	}
}

func TestVersionSkipsCore(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "version=test") {
		t.Fatalf("unexpected version output: %q", out)
	}
	if _, err := os.Stat(c.data); !os.IsNotExist(err) {
		t.Fatal("version must not open the store")
	}
}

func TestGenerateSignVerifyAcrossInvocations(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("--pin", "123456", "generate", "alice")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	idx := strings.Index(out, "did:aim:")
	if idx < 0 {
		t.Fatalf("no did in output: %q", out)
	}
	did := strings.TrimSpace(out[idx:])
	fsperm.AssertPrivateDirPerm(t, c.data)

	sig, err := c.run("--pin", "123456", "sign", did, "hello")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sig = strings.TrimSpace(sig)

	out, err = c.run("verify", did, "hello", sig)
	if err != nil || strings.TrimSpace(out) != "valid" {
		t.Fatalf("verify failed: %q %v", out, err)
	}
	out, err = c.run("verify", did, "hellO", sig)
	if err != nil || strings.TrimSpace(out) != "forged" {
		t.Fatalf("expected forged: %q %v", out, err)
	}

	if _, err := c.run("sign", did, "hello"); err == nil {
		t.Fatal("sign without pin must fail")
	}
	out, err = c.run("list")
	if err != nil || !strings.Contains(out, "* "+did) {
		t.Fatalf("list failed: %q %v", out, err)
	}
}
