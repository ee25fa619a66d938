package lockfile

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMintToken(t *testing.T) {
	tok, err := MintToken()
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(tok))
	}
	tok2, _ := MintToken()
	if tok == tok2 {
		t.Error("two minted tokens are identical")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	info := &LockInfo{PID: 4242, Port: 3456, StartedAt: time.Now().UTC().Truncate(time.Second), Token: "ab" + "cd"}

	if err := Write(dir, info); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.PID != info.PID || got.Port != info.Port || got.Token != info.Token {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, info)
	}

	fi, err := os.Stat(Path(dir))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		t.Errorf("lock file mode = %v, want owner-only access", fi.Mode().Perm())
	}
}

func TestReadMissing(t *testing.T) {
	_, err := Read(t.TempDir())
	if !os.IsNotExist(err) {
		t.Errorf("Read(missing) = %v, want os.ErrNotExist", err)
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()

	// A dead PID: spawn-and-reap is overkill, a huge unlikely PID plus a
	// non-daemon cmdline both fail the liveness test.
	stale := &LockInfo{PID: 1 << 30, Port: 3456, StartedAt: time.Now().UTC(), Token: "stale"}
	if err := Write(dir, stale); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	info, err := Acquire(dir, 3457)
	if err != nil {
		t.Fatalf("Acquire over stale lock failed: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("acquired lock PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Token == "stale" {
		t.Error("token not reminted on reclaim")
	}
	if len(info.Token) != 64 {
		t.Errorf("token length = %d, want 64", len(info.Token))
	}
}

func TestAcquireRejectsLiveLock(t *testing.T) {
	dir := t.TempDir()

	// The test process itself is alive; without a daemon marker in its
	// command line IsLive would reject it on /proc platforms, so skip if
	// the cmdline is readable and markerless.
	live := &LockInfo{PID: os.Getpid(), Port: 3456, StartedAt: time.Now().UTC(), Token: "live"}
	if cmdline, ok := processCommandLine(os.Getpid()); ok {
		if !IsLive(live) {
			t.Skipf("test binary cmdline %q lacks the daemon marker", cmdline)
		}
	}
	if err := Write(dir, live); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	existing, err := Acquire(dir, 3457)
	if err != ErrAlreadyRunning {
		t.Fatalf("Acquire over live lock = %v, want ErrAlreadyRunning", err)
	}
	if existing.Port != 3456 {
		t.Errorf("existing port = %d, want 3456", existing.Port)
	}
}

func TestAcquireReplacesCorruptLock(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("not json"), 0o600); err != nil {
		t.Fatalf("failed to plant corrupt lock: %v", err)
	}

	info, err := Acquire(dir, 3456)
	if err != nil {
		t.Fatalf("Acquire over corrupt lock failed: %v", err)
	}

	data, err := os.ReadFile(Path(dir))
	if err != nil {
		t.Fatalf("failed to read lock: %v", err)
	}
	var parsed LockInfo
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("rewritten lock is not JSON: %v", err)
	}
	if parsed.Token != info.Token {
		t.Errorf("lock on disk does not match acquired info")
	}
}

func TestProbePortSkipsBound(t *testing.T) {
	// Bind an ephemeral port, then probe starting at it; the probe must
	// return a different, free port.
	base, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind base port: %v", err)
	}
	defer func() { _ = base.Close() }()
	start := base.Addr().(*net.TCPAddr).Port

	ln, port, err := ProbePort(start)
	if err != nil {
		t.Fatalf("ProbePort failed: %v", err)
	}
	defer func() { _ = ln.Close() }()

	if port == start {
		t.Errorf("probe returned the bound port %d", port)
	}
	if port < start || port >= start+portProbeAttempts {
		t.Errorf("port %d outside probe window [%d, %d)", port, start, start+portProbeAttempts)
	}
}

func TestRemoveMissingIsNil(t *testing.T) {
	if err := Remove(t.TempDir()); err != nil {
		t.Errorf("Remove on missing lock = %v, want nil", err)
	}
}

func TestPathJoins(t *testing.T) {
	if got := Path("/home/u/.ai-consultation-mcp"); got != filepath.Join("/home/u/.ai-consultation-mcp", "daemon.lock") {
		t.Errorf("Path = %q", got)
	}
}
