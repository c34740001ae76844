package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const minimalJSON = `{
  "console": {"enabled": true},
  "patient": {"uid": "p1", "name": "Ana", "timezone": "Europe/Madrid"},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "memory"},
  "alarm": {"sweep": "every:30s", "snooze": "5m"}
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "medtime.json", minimalJSON))
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Console.Enabled || cfg.Patient.UID != "p1" || cfg.Alarm.Snooze != "5m" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !cfg.Alarm.ExactEnabled() {
		t.Fatalf("exact must default to true")
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit")
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Madrid" {
		t.Fatalf("loc=%v err=%v", loc, err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	body := `
telegram:
  enabled: true
  token: "123:abc"
  chat_ids: [42, 43]
  owner_user_ids: [7]
patient:
  uid: p1
alarm:
  exact: false
  sweep: "*/1 * * * *"
`
	m := NewConfigManager(writeFile(t, t.TempDir(), "medtime.yaml", body))
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Telegram.ChatIDs) != 2 || cfg.Telegram.ChatIDs[1] != 43 || cfg.Telegram.OwnerUserIDs[0] != 7 {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Alarm.ExactEnabled() {
		t.Fatalf("explicit exact=false ignored")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("x.json", []byte(`{"consola": {}}`)); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if _, err := Decode("x.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data: %v", err)
	}
	if _, err := Decode("x.yml", []byte("alarm:\n  bogus: 1\n")); err == nil {
		t.Fatalf("unknown yaml key accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no transport", `{}`, "no transport"},
		{"telegram without token", `{"telegram":{"enabled":true,"chat_ids":[1]}}`, "telegram.token"},
		{"telegram without chats", `{"telegram":{"enabled":true,"token":"t"}}`, "chat_ids"},
		{"bad level", `{"console":{"enabled":true},"logging":{"level":"loud"}}`, "logging.level"},
		{"bad zone", `{"console":{"enabled":true},"patient":{"timezone":"Mars/Olympus"}}`, "timezone"},
		{"bad duration", `{"console":{"enabled":true},"alarm":{"snooze":"soon"}}`, "alarm.snooze"},
		{"negative duration", `{"console":{"enabled":true},"notifier":{"retry_base":"-1s"}}`, "notifier.retry_base"},
		{"bad sweep", `{"console":{"enabled":true},"alarm":{"sweep":"whenever"}}`, "alarm.sweep"},
		{"sqlite without path", `{"console":{"enabled":true},"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"unknown driver", `{"console":{"enabled":true},"storage":{"driver":"mongo"}}`, "storage.driver"},
		{"alerts without telegram", `{"console":{"enabled":true},"logging":{"alerts":{"enabled":true}}}`, "logging.alerts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode("c.json", []byte(tc.body))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			err = Validate(ctx, cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}

	cfg, _ := Decode("c.json", []byte(minimalJSON))
	if err := Validate(ctx, cfg); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "c.json", `{}`))
	if _, err := m.Load(context.Background()); err == nil {
		t.Fatalf("invalid config committed")
	}
	if m.Get() != nil {
		t.Fatalf("Get must stay nil")
	}
	m.SetValidator(nil)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("nil validator: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	if d, err := ParseDuration("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, _ := DurationOr("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default not applied: %v", d)
	}
	if d, _ := DurationOr("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("zero must take default: %v", d)
	}
	if d, _ := DurationOr("x", "2s", time.Minute); d != 2*time.Second {
		t.Fatalf("explicit: %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.json", []byte(minimalJSON))
	b, _ := Decode("c.json", []byte(minimalJSON))
	if changed, _ := SummarizeConfigChange(a, b); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
	off := false
	b.Alarm.Exact = &off
	b.Telegram.Token = "secret"
	changed, attrs := SummarizeConfigChange(a, b)
	if !Changed(changed, "alarm") || !Changed(changed, "telegram") || Changed(changed, "storage") {
		t.Fatalf("changed=%v", changed)
	}
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	ev := lg.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("token leaked: %s", buf.String())
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "medtime.json", minimalJSON)
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "medtime.json", strings.Replace(minimalJSON, `"5m"`, `"10m"`, 1))

	select {
	case cfg := <-ch:
		if cfg.Alarm.Snooze != "10m" {
			t.Fatalf("published %+v", cfg.Alarm)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}

	// An invalid edit is dropped and the committed config stays.
	writeFile(t, dir, "medtime.json", `{}`)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
	if m.Get().Alarm.Snooze != "10m" {
		t.Fatalf("committed config replaced")
	}

	cancel()
	<-done
}
