package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medtime/internal/alarm"
	"medtime/internal/catalog"
	"medtime/internal/relay"
	"medtime/internal/storage"
	"medtime/internal/task/engine"
	"medtime/internal/task/scheduler"
	"medtime/internal/transport"
	"medtime/internal/transport/console"
	"medtime/internal/transport/telegram/router"
	"medtime/pkg/logx"
)

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(engine.Task) error { return nil }

type nopSender struct{}

func (nopSender) SendNow(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}
func (nopSender) Edit(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (nopSender) Notify(context.Context, transport.Notification) error { return nil }

type env struct {
	h     *Handler
	out   *bytes.Buffer
	con   *console.Adapter
	store storage.Store
	cat   *catalog.Catalog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	cat, err := catalog.Open(ctx, st, catalog.Options{})
	require.NoError(t, err)

	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, nopEnqueuer{}, logx.Nop())
	ringer := alarm.NewRinger(nopSender{}, nil, time.UTC, nil, nil, logx.Nop())
	planner := alarm.NewPlanner(alarm.Config{Exact: true, Location: time.UTC}, alarm.Deps{
		Catalog:   cat,
		Scheduler: sched,
		Ringer:    ringer,
		Relay:     relay.New(relay.Patient{UID: "p1"}, st, nil, nil, logx.Nop()),
		Store:     st,
		Log:       logx.Nop(),
	})

	out := &bytes.Buffer{}
	con := console.New(console.Config{In: strings.NewReader(""), Out: out}, logx.Nop())
	h := New(Deps{Catalog: cat, Planner: planner, Ringer: ringer, Store: st, Location: time.UTC, Log: logx.Nop()})
	return &env{h: h, out: out, con: con, store: st, cat: cat}
}

func (e *env) req(text string) *router.Request {
	_, rest, ok := strings.Cut(text, " ")
	if !ok {
		rest = ""
	}
	return &router.Request{
		Chat:    e.con.Target(),
		Text:    rest,
		Args:    strings.Fields(rest),
		Owner:   true,
		Adapter: e.con,
		Logger:  logx.Nop(),
	}
}

func (e *env) take() string {
	s := e.out.String()
	e.out.Reset()
	return s
}

func TestParseAdd(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	m, err := parseAdd("Ibuprofeno; 2025-03-10 08:00; 8; 2; con comida; mama@x.com, papa@x.com", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "Ibuprofeno", m.Name)
	assert.True(t, m.FirstDoseAt.Equal(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, 8, m.IntervalHours)
	assert.Equal(t, 2, m.SoundMinutes)
	assert.Equal(t, "con comida", m.Notes)
	assert.Equal(t, []string{"mama@x.com", "papa@x.com"}, m.Caregivers)

	m, err = parseAdd("Vitamina D", now, time.UTC)
	require.NoError(t, err)
	assert.True(t, m.FirstDoseAt.Equal(now))
	assert.Equal(t, 24, m.IntervalHours)
	assert.Empty(t, m.Caregivers)

	m, err = parseAdd("Losartán; 21:30; 12", now, time.UTC)
	require.NoError(t, err)
	assert.True(t, m.FirstDoseAt.Equal(time.Date(2025, 3, 10, 21, 30, 0, 0, time.UTC)))

	for _, bad := range []string{"", " ; 08:00", "X; ayer", "X; 08:00; ocho", "X; 08:00; 0"} {
		_, err := parseAdd(bad, now, time.UTC)
		assert.Error(t, err, bad)
	}
}

func TestRelTimeSpanish(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "ahora", relTime(now, now))
	assert.Equal(t, "hace 3 minutos", relTime(now.Add(-3*time.Minute), now))
	assert.Equal(t, "hace 1 hora", relTime(now.Add(-90*time.Minute), now))
	assert.Equal(t, "dentro de 2 días", relTime(now.Add(50*time.Hour), now))
}

func TestAddListPauseResumeDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.h.cmdAdd(ctx, e.req("/add Ibuprofeno; 08:00; 8; 1; con agua")))
	out := e.take()
	assert.Contains(t, out, "✅ Añadido: Ibuprofeno")
	assert.Contains(t, out, "Cada 8 horas")
	assert.Contains(t, out, "Próxima:")

	require.NoError(t, e.h.cmdList(ctx, e.req("/list")))
	out = e.take()
	assert.Contains(t, out, "1. Ibuprofeno")
	assert.Contains(t, out, "📝 con agua")

	require.NoError(t, e.h.setActive(false)(ctx, e.req("/pause 1")))
	assert.Contains(t, e.take(), "⏸️ Pausado: Ibuprofeno")
	all, _ := e.cat.All(ctx)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
	assert.True(t, all[0].NextAlarmAt.IsZero())

	require.NoError(t, e.h.setActive(true)(ctx, e.req("/resume "+all[0].ID[:6])))
	assert.Contains(t, e.take(), "▶️ Reanudado")

	require.NoError(t, e.h.cmdNext(ctx, e.req("/next")))
	assert.Contains(t, e.take(), "Ibuprofeno")

	require.NoError(t, e.h.cmdDelete(ctx, e.req("/delete 1")))
	assert.Contains(t, e.take(), "🗑️ Eliminado")
	all, _ = e.cat.All(ctx)
	assert.Empty(t, all)

	assert.ErrorIs(t, e.h.cmdDelete(ctx, e.req("/delete 1")), catalog.ErrNotFound)
	assert.ErrorIs(t, e.h.cmdTaken(ctx, e.req("/taken")), errNeedID)
}

func TestDoseCallbackAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.h.cmdAdd(ctx, e.req("/add Ibuprofeno; 08:00; 8")))
	all, _ := e.cat.All(ctx)
	id := all[0].ID

	r := e.req("")
	r.Data = alarm.CallbackData(alarm.ActionTaken, id)
	toast, err := e.h.onDose(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "✅ Tomado", toast)

	r.Data = alarm.CallbackData(alarm.ActionSnooze, "missing")
	toast, err = e.h.onDose(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "Medicamento no encontrado", toast)

	e.take()
	require.NoError(t, e.h.cmdHistory(ctx, e.req("/history 1")))
	out := e.take()
	assert.Contains(t, out, "📋 Historial de Ibuprofeno")
	assert.Contains(t, out, "✅ Tomado")
	assert.Contains(t, out, "👪 Aviso a familiar")
}

func TestExportImportClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.h.cmdAdd(ctx, e.req("/add A; 08:00; 8")))
	require.NoError(t, e.h.cmdAdd(ctx, e.req("/add B; 09:00; 12")))
	e.take()

	require.NoError(t, e.h.cmdExport(ctx, e.req("/export")))
	out := e.take()
	assert.Contains(t, out, "💾 Copia de seguridad")
	backup := out[strings.Index(out, "{"):]

	require.NoError(t, e.h.cmdClear(ctx, e.req("/clear")))
	assert.Contains(t, e.take(), "Eliminados 2 medicamentos. Quedan 0")

	require.NoError(t, e.h.cmdImport(ctx, e.req("/import "+backup)))
	assert.Contains(t, e.take(), "📥 Importados 2 medicamentos. Alarmas programadas: 2")

	r := e.req("")
	r.Document = &transport.Document{Name: "b.json", Data: []byte(`{"version":1}`)}
	assert.ErrorIs(t, e.h.OnDocument(ctx, r), catalog.ErrNoMedications)
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	for _, id := range []string{"abc1", "abc2"} {
		m, err := parseAdd("X", time.Now(), time.UTC)
		require.NoError(t, err)
		m.ID = id
		_, err = e.cat.Add(ctx, m)
		require.NoError(t, err)
	}
	_, err := e.h.resolve(ctx, "abc")
	assert.ErrorContains(t, err, "ambiguo")
	m, err := e.h.resolve(ctx, "abc2")
	require.NoError(t, err)
	assert.Equal(t, "abc2", m.ID)
	m, err = e.h.resolve(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "abc1", m.ID)
}
