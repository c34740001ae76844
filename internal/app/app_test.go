package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

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

func waitFor(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q; output:\n%s", want, out.String())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "medtime.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestConsoleSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := writeConfig(t, `{
	  "console": {"enabled": true, "user_id": 7},
	  "telegram": {"owner_user_ids": [7]},
	  "patient": {"uid": "p1", "name": "Ana", "timezone": "UTC"},
	  "logging": {"level": "error", "console": false},
	  "storage": {"driver": "file", "path": "`+filepath.ToSlash(filepath.Join(dir, "store.json"))+`"},
	  "catalog": {"seed_samples": false}
	}`)

	in, feed := io.Pipe()
	out := &syncBuffer{}
	a, err := New(ctx, path, Options{Stdin: in, Stdout: out})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	send := func(line string) {
		t.Helper()
		if _, err := io.WriteString(feed, line+"\n"); err != nil {
			t.Fatal(err)
		}
	}

	send("/add Aspirina; 08:00; 8")
	waitFor(t, out, "✅ Añadido: Aspirina")
	send("/list")
	waitFor(t, out, "💊 Medicamentos")

	meds, err := a.catalog.All(ctx)
	if err != nil || len(meds) != 1 || meds[0].Name != "Aspirina" {
		t.Fatalf("catalog=%+v err=%v", meds, err)
	}
	if meds[0].NextAlarmAt.IsZero() {
		t.Fatalf("added medication was not armed")
	}

	if h := a.health(); len(h) == 0 {
		t.Fatalf("no supervisor stats")
	}

	_ = feed.Close()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), writeConfig(t, `{}`), Options{}); err == nil {
		t.Fatalf("config without transport accepted")
	}
	if _, err := New(context.Background(), filepath.Join(t.TempDir(), "missing.json"), Options{}); err == nil {
		t.Fatalf("missing file accepted")
	}
}
