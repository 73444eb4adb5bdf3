package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var digestRE = regexp.MustCompile(`^sha3-256:[0-9a-f]{64}$`)

const lksgPolicy = `id: lksg.v1
version: "1.0"
legal_basis:
  - LkSG
rules:
  - id: no_sanctions
    op: non_membership
    lhs: {var: supplier_hashes}
    rhs: {var: sanctions_root}
`

// syncBuffer is safe for the concurrent writes of a watching command.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var envKeys = []string{
	"CAPC_CONFIG", "CAPC_MODE", "LOG_LEVEL", "LOG_FORMAT", "DATA_DIR", "CAPC_AUDIT_LOG",
	"CAPC_MAX_INPUT_BYTES", "CAPC_STORE", "CAPC_STORE_DSN", "CAPC_REDIS_URL",
	"ARTIFACT_STORAGE_TYPE", "ARTIFACT_S3_BUCKET", "AWS_REGION", "ARTIFACT_S3_REGION",
	"ARTIFACT_S3_ENDPOINT", "ARTIFACT_S3_PREFIX", "ARTIFACT_GCS_BUCKET", "ARTIFACT_GCS_PREFIX",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "CAPC_TELEMETRY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr syncBuffer
	code := run(context.Background(), append([]string{"capc"}, args...), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func writePolicy(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func decodeIR(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m), raw)
	return m
}

func TestVersion(t *testing.T) {
	clearEnv(t)
	// Configuration is not read for version, so a broken file is harmless.
	t.Setenv("CAPC_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	r := runCLI(t, "version")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "capc dev")
	assert.Contains(t, r.stdout, "ir_version 1.0")
}

func TestCompile_LKSG(t *testing.T) {
	clearEnv(t)
	src := writePolicy(t, t.TempDir(), "lksg.v1.yaml", lksgPolicy)

	r := runCLI(t, "compile", src)
	require.Equal(t, exitOK, r.code, r.stderr)

	lines := strings.Split(strings.TrimSuffix(r.stdout, "\n"), "\n")
	require.Len(t, lines, 1)
	m := decodeIR(t, lines[0])
	assert.Equal(t, "lksg.v1", m["policy_id"])
	assert.Regexp(t, digestRE, m["ir_hash"])
	assert.Regexp(t, digestRE, m["policy_hash"])
	assert.Len(t, m["rules"], 1)
	assert.NotContains(t, r.stderr, "error")

	again := runCLI(t, "compile", src)
	assert.Equal(t, r.stdout, again.stdout)
}

func TestCompile_UnsupportedOperator(t *testing.T) {
	clearEnv(t)
	src := writePolicy(t, t.TempDir(), "gt.yaml", strings.Replace(lksgPolicy, "non_membership", "greater_than", 1))

	r := runCLI(t, "compile", src)
	assert.Equal(t, exitRejected, r.code)
	assert.Empty(t, r.stdout)
	assert.Contains(t, r.stderr, "E2001")
	assert.Contains(t, r.stderr, "no_sanctions")

	r = runCLI(t, "compile", "--json", src)
	assert.Equal(t, exitRejected, r.code)
	var rep compileReport
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &rep))
	assert.False(t, rep.Accepted)
	assert.Empty(t, rep.IRHash)
	assert.Empty(t, rep.IR)
	require.Len(t, rep.Diagnostics, 1)
	assert.Equal(t, "E2001", string(rep.Diagnostics[0].Code))
	assert.Equal(t, "no_sanctions", rep.Diagnostics[0].RuleID)
}

func TestCompile_ExitCodes(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	good := writePolicy(t, dir, "good.yaml", lksgPolicy)
	bad := writePolicy(t, dir, "bad.yaml", "id: [unterminated\n")
	gt := writePolicy(t, dir, "gt.yaml", strings.Replace(lksgPolicy, "non_membership", "greater_than", 1))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no inputs", []string{"compile"}, exitError},
		{"unknown command", []string{"frobnicate"}, exitError},
		{"unknown flag", []string{"compile", "--nope", good}, exitError},
		{"bad mode", []string{"--mode", "lenient", "compile", good}, exitError},
		{"missing file", []string{"compile", filepath.Join(dir, "absent.yaml")}, exitError},
		{"parse error", []string{"compile", bad}, exitError},
		{"parse error wins over rejection", []string{"compile", gt, bad}, exitError},
		{"rejection wins over success", []string{"compile", good, gt}, exitRejected},
		{"accepted", []string{"compile", good}, exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := runCLI(t, tt.args...)
			assert.Equal(t, tt.want, r.code, "stderr: %s", r.stderr)
		})
	}
}

func TestCompile_ModeSensitivity(t *testing.T) {
	clearEnv(t)
	src := writePolicy(t, t.TempDir(), "nobasis.yaml", strings.Replace(lksgPolicy, "legal_basis:\n  - LkSG\n", "", 1))

	strict := runCLI(t, "compile", src)
	assert.Equal(t, exitRejected, strict.code)
	assert.Contains(t, strict.stderr, "error E1002")

	relaxed := runCLI(t, "--mode", "relaxed", "compile", src)
	assert.Equal(t, exitOK, relaxed.code, relaxed.stderr)
	assert.Contains(t, relaxed.stderr, "warning E1002")
	assert.Regexp(t, digestRE, decodeIR(t, relaxed.stdout)["ir_hash"])

	t.Setenv("CAPC_MODE", "relaxed")
	assert.Equal(t, exitOK, runCLI(t, "compile", src).code)
	assert.Equal(t, exitRejected, runCLI(t, "--mode", "strict", "compile", src).code)
}

func TestCompile_OutDirAndVerify(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	a := writePolicy(t, dir, "a.yaml", lksgPolicy)
	b := writePolicy(t, dir, "b.json", `{"id":"b","version":"2.0.0","legal_basis":["LkSG"],"rules":[{"id":"r","op":"eq","lhs":{"var":"x"},"rhs":1}]}`)
	out := filepath.Join(dir, "out")

	r := runCLI(t, "compile", "-o", out, a, b)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Empty(t, r.stdout)

	irA := filepath.Join(out, "a.ir.json")
	irB := filepath.Join(out, "b.ir.json")
	assert.FileExists(t, irB)

	r = runCLI(t, "verify", irA)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "ok lksg.v1 sha3-256:")

	r = runCLI(t, "verify", "--policy", a, irA)
	assert.Equal(t, exitOK, r.code, r.stderr)

	r = runCLI(t, "verify", "--policy", b, irA)
	assert.Equal(t, exitRejected, r.code)
	assert.Contains(t, r.stderr, "mismatch")

	raw, err := os.ReadFile(irA)
	require.NoError(t, err)
	tampered := filepath.Join(dir, "tampered.json")
	require.NoError(t, os.WriteFile(tampered, bytes.Replace(raw, []byte("supplier_hashes"), []byte("supplier_hashez"), 1), 0o600))
	r = runCLI(t, "verify", tampered)
	assert.Equal(t, exitRejected, r.code)
	assert.Contains(t, r.stderr, "ir_hash does not match")

	require.NoError(t, os.WriteFile(tampered, []byte(`{"ir_version":"1.0"`), 0o600))
	assert.Equal(t, exitRejected, runCLI(t, "verify", tampered).code)

	assert.Equal(t, exitError, runCLI(t, "verify", filepath.Join(dir, "absent.json")).code)
}

func TestCompile_SingleOutFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	src := writePolicy(t, dir, "lksg.yaml", lksgPolicy)
	dst := filepath.Join(dir, "compiled.json")

	r := runCLI(t, "compile", "--out", dst, src)
	require.Equal(t, exitOK, r.code, r.stderr)

	stdout := runCLI(t, "compile", src).stdout
	raw, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, stdout, string(raw))
}

func TestLintAndHash(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	src := writePolicy(t, dir, "lksg.yaml", lksgPolicy)
	gt := writePolicy(t, dir, "gt.yaml", strings.Replace(lksgPolicy, "non_membership", "greater_than", 1))

	r := runCLI(t, "lint", src)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "ok")

	r = runCLI(t, "lint", "--json", gt)
	assert.Equal(t, exitRejected, r.code)
	var rep lintReport
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &rep))
	assert.True(t, rep.Fatal)
	require.Len(t, rep.Diagnostics, 1)
	assert.Equal(t, "E2001", string(rep.Diagnostics[0].Code))

	h := runCLI(t, "hash", src)
	require.Equal(t, exitOK, h.code, h.stderr)
	hash := strings.TrimSpace(h.stdout)
	assert.Regexp(t, digestRE, hash)
	assert.Equal(t, hash, decodeIR(t, runCLI(t, "compile", src).stdout)["policy_hash"])
}

func TestCEL(t *testing.T) {
	clearEnv(t)
	src := writePolicy(t, t.TempDir(), "lksg.yaml", lksgPolicy)

	r := runCLI(t, "cel", src)
	require.Equal(t, exitOK, r.code, r.stderr)
	var rendering struct {
		Rules map[string]string `json:"rules"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &rendering))
	assert.Equal(t, "non_membership(supplier_hashes, sanctions_root)", rendering.Rules["no_sanctions"])
}

func TestStoreAndAudit(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	auditLog := filepath.Join(dir, "audit", "capc.jsonl")
	t.Setenv("CAPC_STORE", "sqlite")
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("CAPC_AUDIT_LOG", auditLog)
	src := writePolicy(t, dir, "lksg.yaml", lksgPolicy)

	r := runCLI(t, "compile", "--json", "--store", src)
	require.Equal(t, exitOK, r.code, r.stderr)
	var rep compileReport
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &rep))
	require.True(t, rep.Accepted)
	id := rep.IRHash

	r = runCLI(t, "store", "get", id)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, string(rep.IR)+"\n", r.stdout)

	r = runCLI(t, "store", "set-status", id, "active")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "draft -> active")

	r = runCLI(t, "store", "set-status", id, "draft")
	assert.Equal(t, exitRejected, r.code)
	assert.Contains(t, r.stderr, "invalid status transition")

	r = runCLI(t, "store", "get", "--json", id)
	require.Equal(t, exitOK, r.code, r.stderr)
	var view storedPolicyView
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &view))
	assert.Equal(t, "active", string(view.Status))
	assert.Equal(t, "lksg.v1", view.PolicyID)

	assert.Equal(t, exitError, runCLI(t, "store", "get", "not-a-hash").code)
	assert.Equal(t, exitError, runCLI(t, "store", "set-status", id, "retired").code)

	// compile, store.put, store.set_status
	r = runCLI(t, "audit", "verify")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, "ok 3 records\n", r.stdout)

	raw, err := os.ReadFile(auditLog)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(auditLog, bytes.Replace(raw, []byte(`"to":"active"`), []byte(`"to":"revoked"`), 1), 0o600))
	r = runCLI(t, "audit", "verify", auditLog)
	assert.Equal(t, exitRejected, r.code)
	assert.Contains(t, r.stderr, "audit chain broken")
}

func TestStore_Disabled(t *testing.T) {
	clearEnv(t)
	src := writePolicy(t, t.TempDir(), "lksg.yaml", lksgPolicy)

	r := runCLI(t, "compile", "--store", src)
	assert.Equal(t, exitError, r.code)
	assert.Contains(t, r.stderr, "policy store disabled")
}

func TestConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg := writePolicy(t, dir, "capc.yaml", "mode: relaxed\nlog_format: json\n")
	src := writePolicy(t, dir, "nobasis.yaml", strings.Replace(lksgPolicy, "legal_basis:\n  - LkSG\n", "", 1))

	assert.Equal(t, exitOK, runCLI(t, "--config", cfg, "compile", src).code)

	broken := writePolicy(t, dir, "broken.yaml", "mode: relaxed\nunknown_key: 1\n")
	assert.Equal(t, exitError, runCLI(t, "--config", broken, "compile", src).code)
}

func TestCompile_Watch(t *testing.T) {
	clearEnv(t)
	src := writePolicy(t, t.TempDir(), "lksg.yaml", lksgPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, stderr syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"capc", "compile", "--watch", src}, &stdout, &stderr)
	}()

	lines := func() []string {
		s := strings.TrimSuffix(stdout.String(), "\n")
		if s == "" {
			return nil
		}
		return strings.Split(s, "\n")
	}
	require.Eventually(t, func() bool { return len(lines()) == 1 }, 5*time.Second, 10*time.Millisecond, stderr.String())

	require.NoError(t, os.WriteFile(src, []byte(strings.Replace(lksgPolicy, `"1.0"`, `"1.1"`, 1)), 0o600))
	require.Eventually(t, func() bool { return len(lines()) >= 2 }, 5*time.Second, 10*time.Millisecond, stderr.String())

	ls := lines()
	assert.NotEqual(t, decodeIR(t, ls[0])["ir_hash"], decodeIR(t, ls[len(ls)-1])["ir_hash"])

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, exitOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
