package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"medtime/internal/transport"
	"medtime/pkg/logx"
)

type recAdapter struct {
	mu      sync.Mutex
	texts   []string
	answers []string
	menu    []transport.BotCommand
}

func (a *recAdapter) Name() string                                         { return "rec" }
func (a *recAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *recAdapter) Stop(context.Context) error                           { return nil }

func (a *recAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.texts)}, nil
}

func (a *recAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}

func (a *recAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

func (a *recAdapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.menu = cmds
	return nil
}

func (a *recAdapter) snapshot() (texts, answers []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...), append([]string(nil), a.answers...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func msg(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 10, FromID: from, Text: text}}
}

func start(t *testing.T, owners []int64, cmds []Command, cbs []CallbackRoute) (*recAdapter, chan transport.Update) {
	t.Helper()
	a := &recAdapter{}
	m := NewCommandManager(logx.Nop(), a, Options{Owners: owners, Workers: 2, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	m.SetRegistry(ctx, cmds, cbs)
	in := make(chan transport.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, in)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, in
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in, name, rest string
		ok             bool
	}{
		{"/list", "list", "", true},
		{"/Add@medtime_bot Ibuprofeno; 2025-03-10 08:00", "add", "Ibuprofeno; 2025-03-10 08:00", true},
		{"/import\n{\"version\":1}", "import", "{\"version\":1}", true},
		{"hola", "", "", false},
		{"/", "", "", false},
	}
	for _, c := range cases {
		name, rest, ok := parseCommand(c.in)
		if name != c.name || rest != c.rest || ok != c.ok {
			t.Fatalf("%q: got (%q, %q, %v)", c.in, name, rest, ok)
		}
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize(`a "b c" 'd' e\ f ""`)
	want := []string{"a", "b c", "d", "e f", ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q", got)
	}
}

func TestDispatchRunsCommandWithArgs(t *testing.T) {
	var gotArgs []string
	var mu sync.Mutex
	a, in := start(t, nil, []Command{{
		Name: "test", Aliases: []string{"t"},
		Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			gotArgs = req.Args
			mu.Unlock()
			return req.Reply(ctx, "ok "+req.Text)
		},
	}}, nil)

	in <- msg(1, "/t abc 15")
	waitFor(t, func() bool { txt, _ := a.snapshot(); return len(txt) == 1 })
	texts, _ := a.snapshot()
	if texts[0] != "ok abc 15" {
		t.Fatalf("reply %q", texts[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(gotArgs, []string{"abc", "15"}) {
		t.Fatalf("args %q", gotArgs)
	}
}

func TestOwnerOnlyAndErrors(t *testing.T) {
	a, in := start(t, []int64{7}, []Command{
		{Name: "clear", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error {
			return errors.New("nada que borrar")
		}},
		{Name: "boom", Handle: func(ctx context.Context, req *Request) error { panic("kaput") }},
	}, nil)

	in <- msg(8, "/clear")
	in <- msg(8, "/nope")
	waitFor(t, func() bool { txt, _ := a.snapshot(); return len(txt) == 2 })
	in <- msg(7, "/clear")
	waitFor(t, func() bool { txt, _ := a.snapshot(); return len(txt) == 3 })
	in <- msg(7, "/boom")
	waitFor(t, func() bool { txt, _ := a.snapshot(); return len(txt) == 4 })

	texts, _ := a.snapshot()
	if texts[0] != msgUnauthorized || texts[1] != msgUnknown {
		t.Fatalf("texts %q", texts)
	}
	if texts[2] != "❌ nada que borrar" {
		t.Fatalf("error reply %q", texts[2])
	}
	if !strings.Contains(texts[3], "panic") {
		t.Fatalf("panic reply %q", texts[3])
	}
}

func TestCallbackRoutesByPrefix(t *testing.T) {
	var got string
	var mu sync.Mutex
	a, in := start(t, nil, nil, []CallbackRoute{{
		Prefix: "dose:",
		Handle: func(ctx context.Context, req *Request) (string, error) {
			mu.Lock()
			got = req.Data
			mu.Unlock()
			return "✅ Tomado", nil
		},
	}})

	in <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "1", ChatID: 10, Data: "dose:taken:x"}}
	in <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "2", ChatID: 10, Data: "other:1"}}
	waitFor(t, func() bool { _, ans := a.snapshot(); return len(ans) == 2 })

	_, answers := a.snapshot()
	if !(answers[0] == "✅ Tomado" || answers[1] == "✅ Tomado") {
		t.Fatalf("answers %q", answers)
	}
	mu.Lock()
	defer mu.Unlock()
	if got != "dose:taken:x" {
		t.Fatalf("data %q", got)
	}
}

func TestHelpAndMenu(t *testing.T) {
	a, in := start(t, []int64{1}, []Command{
		{Name: "list", Description: "ver medicamentos", Handle: func(context.Context, *Request) error { return nil }},
		{Name: "clear", Description: "borrar todo", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { return nil }},
		{Name: "secret", Hidden: true, Handle: func(context.Context, *Request) error { return nil }},
	}, nil)

	in <- msg(1, "/start")
	waitFor(t, func() bool { txt, _ := a.snapshot(); return len(txt) == 1 })
	texts, _ := a.snapshot()
	help := texts[0]
	if !strings.Contains(help, "/list</code> · ver medicamentos") || strings.Contains(help, "secret") {
		t.Fatalf("help:\n%s", help)
	}
	if strings.Index(help, "/clear") < strings.Index(help, "/list") {
		t.Fatalf("owner commands go last:\n%s", help)
	}

	waitFor(t, func() bool { a.mu.Lock(); defer a.mu.Unlock(); return a.menu != nil })
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.menu))
	for _, c := range a.menu {
		names = append(names, c.Command)
	}
	if !reflect.DeepEqual(names, []string{"help", "list", "clear"}) {
		t.Fatalf("menu %v", names)
	}
}

func TestSanitizeCommand(t *testing.T) {
	for in, want := range map[string]string{
		"List":         "list",
		"dose-history": "dose_history",
		"a  b":         "a_b",
		"__x__":        "x",
		"ñandú":        "and",
	} {
		if got := sanitizeCommand(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
	if got := sanitizeCommand(strings.Repeat("a", 40)); len(got) != 32 {
		t.Fatalf("long name not truncated: %q", got)
	}
}
