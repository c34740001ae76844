package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"medtime/internal/eventbus"
	"medtime/internal/observability/metrics"
	"medtime/internal/runtime/supervisor"
	"medtime/internal/transport"
	"medtime/pkg/logx"
)

const (
	msgUnknown      = "Comando desconocido. Usa /help para ver la lista."
	msgUnauthorized = "⛔ No autorizado."
	msgBusy         = "Ocupado, inténtalo de nuevo."
)

type Options struct {
	// Owners may run AccessOwnerOnly commands. Empty means everyone may.
	Owners  []int64
	Workers int
	Queue   int
	// Timeout applies to commands without their own.
	Timeout time.Duration
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
}

type CommandManager struct {
	mu       sync.RWMutex
	cmds     map[string]*Command
	alias    map[string]*Command
	order    []*Command
	cbs      []CallbackRoute
	owners   []int64
	fallback func(ctx context.Context, req *Request) error

	log     logx.Logger
	adapter transport.Adapter
	opts    Options

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
	jobs    chan func(ctx context.Context)
}

func NewCommandManager(log logx.Logger, adapter transport.Adapter, opts Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = max(2, runtime.NumCPU())
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		owners:  slices.Clone(opts.Owners),
		log:     log.Component("router"),
		adapter: adapter,
		opts:    opts,
		jobs:    make(chan func(ctx context.Context), opts.Queue),
	}
}

// SetOwners replaces the owner list; safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.owners) == 0 || slices.Contains(m.owners, id)
}

// SetRegistry installs the command and callback tables. /help is always
// added. The adapter menu is refreshed when the adapter supports one.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute) {
	help := Command{
		Name:        "help",
		Aliases:     []string{"start", "ayuda"},
		Description: "mostrar la ayuda",
		Usage:       "/help [comando]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args))
		},
	}
	cmds = append(slices.Clone(cmds), help)

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	order := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		order = append(order, c)
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" && byName[a] == nil {
				alias[a] = c
			}
		}
	}
	slices.SortFunc(order, func(a, b *Command) int { return strings.Compare(a.Name, b.Name) })

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.order = order
	m.cbs = slices.Clone(cbs)
	m.mu.Unlock()

	if up, ok := m.adapter.(transport.CommandMenuUpdater); ok {
		menu := buildMenu(order)
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// SetFallback handles messages that are not commands, such as a bare
// document upload.
func (m *CommandManager) SetFallback(fn func(ctx context.Context, req *Request) error) {
	m.mu.Lock()
	m.fallback = fn
	m.mu.Unlock()
}

func (m *CommandManager) lookup(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[name]; ok {
		return c
	}
	return m.alias[name]
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Handlers run on a bounded worker pool; when it is saturated the user is
// told to retry instead of blocking the adapter.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithBus(m.opts.Bus),
		supervisor.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup = sup
	m.running = true
	m.runMu.Unlock()

	for i := 0; i < m.opts.Workers; i++ {
		idx := i
		sup.GoRestart("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(c, idx, job)
				}
			}
		})
	}
	m.log.Info("dispatcher started", logx.Int("workers", m.opts.Workers), logx.Int("queue_cap", cap(m.jobs)))

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.sup = nil
		m.runMu.Unlock()
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(ctx context.Context, worker int, job func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (m *CommandManager) enqueue(job func(ctx context.Context)) bool {
	select {
	case m.jobs <- job:
		return true
	default:
		return false
	}
}

// Route handles a single update. It is exported for adapters and tests that
// drive the manager without the dispatch loop.
func (m *CommandManager) Route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			m.routeMessage(ctx, up)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			m.routeCallback(ctx, up)
		}
	}
}

func (m *CommandManager) newRequest(up transport.Update, chat, from int64, cmd string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    transport.ChatTarget{ChatID: chat},
		FromID:  from,
		Command: cmd,
		ReqID:   rid,
		Owner:   m.isOwner(from),
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd),
		),
	}
}

func (m *CommandManager) chain(h HandlerFunc, timeout time.Duration) HandlerFunc {
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}
	return Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWMetrics(m.opts.Metrics),
		MWTimeout(timeout),
	)
}

func (m *CommandManager) routeMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	chat := transport.ChatTarget{ChatID: msg.ChatID}

	name, rest, ok := parseCommand(msg.Text)
	if !ok {
		m.mu.RLock()
		fb := m.fallback
		m.mu.RUnlock()
		if fb == nil {
			return
		}
		req := m.newRequest(up, msg.ChatID, msg.FromID, "fallback")
		req.Text = strings.TrimSpace(msg.Text)
		req.Document = msg.Document
		final := m.chain(fb, 0)
		if !m.enqueue(func(c context.Context) { _ = final(c, req) }) {
			_, _ = m.adapter.SendText(ctx, chat, msgBusy, nil)
		}
		return
	}

	cmd := m.lookup(name)
	if cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, msgUnknown, nil)
		return
	}
	req := m.newRequest(up, msg.ChatID, msg.FromID, cmd.Name)
	if cmd.Access == AccessOwnerOnly && !req.Owner {
		req.Logger.Warn("unauthorized command")
		_, _ = m.adapter.SendText(ctx, chat, msgUnauthorized, nil)
		return
	}
	req.Text = rest
	req.Args = tokenize(rest)
	req.Document = msg.Document

	final := m.chain(cmd.Handle, cmd.Timeout)
	if !m.enqueue(func(c context.Context) {
		if err := final(c, req); err != nil {
			_ = req.Reply(c, "❌ "+err.Error())
		}
	}) {
		_, _ = m.adapter.SendText(ctx, chat, msgBusy, nil)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	data := strings.TrimSpace(cb.Data)

	m.mu.RLock()
	var route *CallbackRoute
	for i := range m.cbs {
		if strings.HasPrefix(data, m.cbs[i].Prefix) {
			route = &m.cbs[i]
			break
		}
	}
	m.mu.RUnlock()
	if route == nil {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	req := m.newRequest(up, cb.ChatID, cb.FromID, "cb:"+strings.TrimSuffix(route.Prefix, ":"))
	if route.Access == AccessOwnerOnly && !req.Owner {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, msgUnauthorized)
		return
	}
	req.Data = data

	var toast string
	h := func(c context.Context, r *Request) error {
		var err error
		toast, err = route.Handle(c, r)
		return err
	}
	final := m.chain(h, route.Timeout)
	if !m.enqueue(func(c context.Context) {
		if err := final(c, req); err != nil && toast == "" {
			toast = "❌ " + err.Error()
		}
		_ = m.adapter.AnswerCallback(c, cb.ID, toast)
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, msgBusy)
	}
}

// Supervisor returns the worker-pool supervisor, nil when not dispatching.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}
