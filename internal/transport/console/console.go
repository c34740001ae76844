// Package console is a line-oriented chat adapter over stdin and stdout,
// used for local runs and as the transport in tests.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"medtime/internal/transport"
	"medtime/pkg/logx"
)

// CallbackPrefix turns an input line into a button press: "/cb dose:taken:<id>".
const CallbackPrefix = "/cb "

type Config struct {
	In  io.Reader
	Out io.Writer
	// ChatID and UserID are stamped on every inbound update.
	ChatID int64
	UserID int64
	// Dir receives documents; when empty they are printed inline.
	Dir string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu  sync.Mutex
	seq atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.ChatID == 0 {
		cfg.ChatID = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.Component("console"), done: make(chan struct{})}
}

func (a *Adapter) Name() string { return "console" }

// Target is the single chat this adapter serves.
func (a *Adapter) Target() transport.ChatTarget { return transport.ChatTarget{ChatID: a.cfg.ChatID} }

// Start reads lines until EOF, ctx cancellation or Stop. The reader cannot
// be interrupted, so a blocked read outlives Stop until the next line.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	go func() {
		sc := bufio.NewScanner(a.cfg.In)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
			up, ok := a.parse(sc.Text())
			if !ok {
				continue
			}
			select {
			case out <- up:
			case <-ctx.Done():
				return
			case <-a.done:
				return
			}
		}
		if err := sc.Err(); err != nil {
			a.log.Warn("input closed", logx.Err(err))
		}
	}()
	return nil
}

func (a *Adapter) parse(line string) (transport.Update, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return transport.Update{}, false
	}
	if data, ok := strings.CutPrefix(line, CallbackPrefix); ok {
		return transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
			ID:     "cb" + strconv.FormatInt(a.seq.Add(1), 10),
			FromID: a.cfg.UserID,
			ChatID: a.cfg.ChatID,
			Data:   strings.TrimSpace(data),
		}}, true
	}
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID:     int(a.seq.Add(1)),
		ChatID: a.cfg.ChatID,
		FromID: a.cfg.UserID,
		Text:   line,
	}}, true
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.done) })
	return nil
}

func (a *Adapter) write(s string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := io.WriteString(a.cfg.Out, s)
	return err
}

func render(head, text string, opt *transport.SendOptions) string {
	var b strings.Builder
	b.WriteString(head)
	b.WriteString(" ")
	b.WriteString(text)
	b.WriteString("\n")
	if opt != nil && !opt.RemoveKeyboard {
		for _, row := range opt.Keyboard {
			b.WriteString("   ")
			for _, btn := range row {
				fmt.Fprintf(&b, " %s [%s%s]", btn.Text, CallbackPrefix, btn.Data)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	id := int(a.seq.Add(1))
	if err := a.write(render(fmt.Sprintf("[#%d]", id), text, opt)); err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: id}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.write(render(fmt.Sprintf("[#%d editado]", ref.MessageID), text, opt))
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if text == "" {
		return nil
	}
	return a.write("  » " + text + "\n")
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Document, caption string) error {
	if a.cfg.Dir == "" {
		return a.write(fmt.Sprintf("[%s] %s\n%s\n", doc.Name, caption, doc.Data))
	}
	path := filepath.Join(a.cfg.Dir, filepath.Base(doc.Name))
	if err := os.WriteFile(path, doc.Data, 0o600); err != nil {
		return err
	}
	return a.write(fmt.Sprintf("[%s] %s\n", path, caption))
}
