// Package commands exposes the medication catalog and the alarm planner as
// chat commands and dose-button callbacks.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"medtime/internal/alarm"
	"medtime/internal/catalog"
	"medtime/internal/medication"
	"medtime/internal/relay"
	"medtime/internal/storage"
	"medtime/internal/transport"
	"medtime/internal/transport/telegram/router"
	"medtime/pkg/logx"
)

const historyLimit = 10

var errNeedID = errors.New("indica el medicamento: número de /list o id")

type Deps struct {
	Catalog  *catalog.Catalog
	Planner  *alarm.Planner
	Ringer   *alarm.Ringer
	Store    storage.Store
	Location *time.Location
	Log      logx.Logger
}

type Handler struct {
	cat     *catalog.Catalog
	planner *alarm.Planner
	ringer  *alarm.Ringer
	store   storage.Store
	log     logx.Logger
	now     func() time.Time

	mu  sync.RWMutex
	loc *time.Location
}

func New(d Deps) *Handler {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		cat:     d.Catalog,
		planner: d.Planner,
		ringer:  d.Ringer,
		store:   d.Store,
		log:     d.Log.Component("commands"),
		now:     time.Now,
		loc:     loc,
	}
}

// SetLocation changes the zone used to read and print times.
func (h *Handler) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	h.mu.Lock()
	h.loc = loc
	h.mu.Unlock()
}

func (h *Handler) location() *time.Location {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loc
}

func (h *Handler) Commands() []router.Command {
	owner := router.AccessOwnerOnly
	return []router.Command{
		{Name: "add", Aliases: []string{"nuevo"}, Access: owner, Handle: h.cmdAdd,
			Description: "añadir un medicamento",
			Usage:       "/add nombre; AAAA-MM-DD HH:MM; horas; minutos de sonido; notas; familiares"},
		{Name: "list", Aliases: []string{"lista"}, Handle: h.cmdList,
			Description: "ver todos los medicamentos", Usage: "/list"},
		{Name: "next", Aliases: []string{"proximas"}, Handle: h.cmdNext,
			Description: "próximas alarmas", Usage: "/next"},
		{Name: "pause", Aliases: []string{"pausar"}, Access: owner, Handle: h.setActive(false),
			Description: "pausar un medicamento", Usage: "/pause <n|id>"},
		{Name: "resume", Aliases: []string{"reanudar"}, Access: owner, Handle: h.setActive(true),
			Description: "reanudar un medicamento", Usage: "/resume <n|id>"},
		{Name: "delete", Aliases: []string{"borrar"}, Access: owner, Handle: h.cmdDelete,
			Description: "eliminar un medicamento", Usage: "/delete <n|id>"},
		{Name: "test", Aliases: []string{"prueba"}, Access: owner, Handle: h.cmdTest,
			Description: "programar una alarma de prueba", Usage: "/test <n|id> [segundos]"},
		{Name: "taken", Aliases: []string{"tomado"}, Access: owner, Handle: h.cmdTaken,
			Description: "marcar la dosis como tomada", Usage: "/taken <n|id>"},
		{Name: "snooze", Aliases: []string{"posponer"}, Access: owner, Handle: h.cmdSnooze,
			Description: "posponer la dosis", Usage: "/snooze <n|id>"},
		{Name: "stats", Aliases: []string{"estadisticas"}, Handle: h.cmdStats,
			Description: "estadísticas", Usage: "/stats"},
		{Name: "history", Aliases: []string{"historial"}, Handle: h.cmdHistory,
			Description: "historial de tomas", Usage: "/history <n|id> [cantidad]"},
		{Name: "export", Aliases: []string{"exportar"}, Access: owner, Handle: h.cmdExport,
			Description: "exportar una copia de seguridad", Usage: "/export"},
		{Name: "import", Aliases: []string{"importar"}, Access: owner, Handle: h.cmdImport, Timeout: time.Minute,
			Description: "restaurar una copia (texto o archivo adjunto)", Usage: "/import <json>"},
		{Name: "clear", Aliases: []string{"limpiar"}, Access: owner, Handle: h.cmdClear,
			Description: "borrar todos los medicamentos", Usage: "/clear"},
	}
}

func (h *Handler) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{{
		Prefix: "dose:",
		Access: router.AccessOwnerOnly,
		Handle: h.onDose,
	}}
}

// OnDocument imports a backup file sent without a command.
func (h *Handler) OnDocument(ctx context.Context, req *router.Request) error {
	if req.Document == nil {
		return nil
	}
	if !req.Owner {
		return req.Reply(ctx, "⛔ No autorizado.")
	}
	return h.importData(ctx, req, req.Document.Data)
}

// resolve finds the medication named by arg: a 1-based position in /list,
// a full id, or an unambiguous id prefix.
func (h *Handler) resolve(ctx context.Context, arg string) (medication.Medication, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return medication.Medication{}, errNeedID
	}
	all, err := h.cat.All(ctx)
	if err != nil {
		return medication.Medication{}, err
	}
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(all) {
		return all[n-1], nil
	}
	var match []medication.Medication
	for _, m := range all {
		if m.ID == arg {
			return m, nil
		}
		if strings.HasPrefix(m.ID, arg) {
			match = append(match, m)
		}
	}
	switch len(match) {
	case 1:
		return match[0], nil
	case 0:
		return medication.Medication{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, arg)
	default:
		return medication.Medication{}, fmt.Errorf("%q es ambiguo, usa más caracteres del id", arg)
	}
}

func firstArg(req *router.Request) string {
	if len(req.Args) == 0 {
		return ""
	}
	return req.Args[0]
}

func (h *Handler) cmdAdd(ctx context.Context, req *router.Request) error {
	loc := h.location()
	now := h.now()
	m, err := parseAdd(req.Text, now, loc)
	if err != nil {
		return err
	}
	m, err = h.cat.Add(ctx, m)
	if err != nil {
		return err
	}
	a, err := h.planner.Arm(ctx, m)
	if err != nil {
		return fmt.Errorf("guardado, pero la alarma falló: %w", err)
	}
	req.Logger.Info("medication added", logx.String("med", m.Name), logx.String("id", m.ID))
	return req.Reply(ctx, fmt.Sprintf("✅ Añadido: %s [%s]\n%s\n%s", m.Name, shortID(m.ID), m.FrequencyText(), armedText(a, now, loc)))
}

func (h *Handler) cmdList(ctx context.Context, req *router.Request) error {
	all, err := h.cat.All(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, formatList(all, h.now(), h.location()))
}

func (h *Handler) cmdNext(ctx context.Context, req *router.Request) error {
	up, err := h.planner.Upcoming(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, formatUpcoming(up, h.now(), h.location()))
}

func (h *Handler) setActive(active bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		m, err := h.resolve(ctx, firstArg(req))
		if err != nil {
			return err
		}
		if err := h.cat.Mutate(ctx, m.ID, func(x *medication.Medication) error {
			x.Active = active
			return nil
		}); err != nil {
			return err
		}
		if !active {
			if err := h.planner.Cancel(ctx, m.ID); err != nil {
				return err
			}
			return req.Reply(ctx, "⏸️ Pausado: "+m.Name)
		}
		m.Active = true
		a, err := h.planner.Arm(ctx, m)
		if err != nil {
			return err
		}
		return req.Reply(ctx, "▶️ Reanudado: "+m.Name+"\n"+armedText(a, h.now(), h.location()))
	}
}

func (h *Handler) cmdDelete(ctx context.Context, req *router.Request) error {
	m, err := h.resolve(ctx, firstArg(req))
	if err != nil {
		return err
	}
	h.planner.Forget(ctx, m.ID)
	if err := h.cat.Delete(ctx, m.ID); err != nil {
		return err
	}
	return req.Reply(ctx, "🗑️ Eliminado: "+m.Name)
}

func (h *Handler) cmdTest(ctx context.Context, req *router.Request) error {
	m, err := h.resolve(ctx, firstArg(req))
	if err != nil {
		return err
	}
	var delay time.Duration
	if len(req.Args) > 1 {
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("segundos %q: debe ser un número positivo", req.Args[1])
		}
		delay = time.Duration(n) * time.Second
	}
	at, err := h.planner.Test(ctx, m.ID, delay)
	if err != nil {
		return err
	}
	secs := int(at.Sub(h.now()).Round(time.Second).Seconds())
	return req.Reply(ctx, fmt.Sprintf("🧪 Alarma de prueba para %s en %d segundos", m.Name, secs))
}

func (h *Handler) cmdTaken(ctx context.Context, req *router.Request) error {
	m, err := h.resolve(ctx, firstArg(req))
	if err != nil {
		return err
	}
	out, err := h.planner.Taken(ctx, m.ID)
	if err != nil {
		return err
	}
	h.logRelay(req, out)
	text := "✅ Tomado: " + m.Name
	if !out.Next.IsZero() {
		text += "\nPróxima dosis: " + stamp(out.Next, h.location())
	}
	return req.Reply(ctx, text)
}

func (h *Handler) cmdSnooze(ctx context.Context, req *router.Request) error {
	m, err := h.resolve(ctx, firstArg(req))
	if err != nil {
		return err
	}
	out, err := h.planner.Snooze(ctx, m.ID)
	if err != nil {
		return err
	}
	h.logRelay(req, out)
	return req.Reply(ctx, "⏰ Pospuesto: "+m.Name+"\nVolverá a sonar a las "+out.Next.In(h.location()).Format("15:04"))
}

func (h *Handler) logRelay(req *router.Request, out alarm.Outcome) {
	switch {
	case out.RelayErr == nil:
	case errors.Is(out.RelayErr, relay.ErrNoPatient):
		req.Logger.Debug("caregiver alert skipped, no patient configured")
	default:
		req.Logger.Warn("caregiver alert failed", logx.Err(out.RelayErr))
	}
}

func (h *Handler) onDose(ctx context.Context, req *router.Request) (string, error) {
	action, id, ok := alarm.ParseCallback(req.Data)
	if !ok {
		return "Botón no reconocido", nil
	}
	var (
		out alarm.Outcome
		err error
	)
	switch action {
	case alarm.ActionTaken:
		out, err = h.planner.Taken(ctx, id)
	case alarm.ActionSnooze:
		out, err = h.planner.Snooze(ctx, id)
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return "Medicamento no encontrado", nil
	}
	if err != nil {
		return "", err
	}
	h.logRelay(req, out)
	if action == alarm.ActionSnooze {
		return "⏰ Pospuesto", nil
	}
	return "✅ Tomado", nil
}

func (h *Handler) cmdStats(ctx context.Context, req *router.Request) error {
	st, err := h.cat.Stats(ctx)
	if err != nil {
		return err
	}
	exact, inexact := 0, 0
	for _, p := range h.planner.Pending() {
		if p.Mode == alarm.ModeExact {
			exact++
		} else {
			inexact++
		}
	}
	rings := 0
	if h.ringer != nil {
		rings = len(h.ringer.Active())
	}
	return req.Reply(ctx, fmt.Sprintf(
		"📊 Estadísticas\nTotal: %d\nActivos: %d\nPausados: %d\nCon notas: %d\nCon familiares: %d\nAlarmas programadas: %d exactas, %d aproximadas\nSonando ahora: %d",
		st.Total, st.Active, st.Inactive, st.WithNotes, st.WithCaregivers, exact, inexact, rings))
}

func (h *Handler) cmdHistory(ctx context.Context, req *router.Request) error {
	m, err := h.resolve(ctx, firstArg(req))
	if err != nil {
		return err
	}
	limit := historyLimit
	if len(req.Args) > 1 {
		if n, err := strconv.Atoi(req.Args[1]); err == nil && n > 0 {
			limit = min(n, 50)
		}
	}
	evs, err := h.store.ListEvents(ctx, m.ID, limit)
	if err != nil {
		return err
	}
	return req.Reply(ctx, formatHistory(m.Name, evs, h.now(), h.location()))
}

func (h *Handler) cmdExport(ctx context.Context, req *router.Request) error {
	data, err := h.cat.Export(ctx)
	if err != nil {
		return err
	}
	now := h.now().In(h.location())
	name := "medtime-" + now.Format("20060102-1504") + ".json"
	caption := fmt.Sprintf("💾 Copia de seguridad (%s)", humanize.Bytes(uint64(len(data))))
	if ds, ok := req.Adapter.(transport.DocumentSender); ok {
		return ds.SendDocument(ctx, req.Chat, transport.Document{Name: name, Data: data}, caption)
	}
	return req.Reply(ctx, caption+"\n"+string(data))
}

func (h *Handler) cmdImport(ctx context.Context, req *router.Request) error {
	data := []byte(req.Text)
	if req.Document != nil {
		data = req.Document.Data
	}
	return h.importData(ctx, req, data)
}

func (h *Handler) importData(ctx context.Context, req *router.Request, data []byte) error {
	meds, err := h.cat.Import(ctx, data)
	if err != nil {
		return fmt.Errorf("no se pudo importar: %w", err)
	}
	rep, err := h.planner.RearmAll(ctx)
	if err != nil {
		req.Logger.Warn("rearm after import incomplete", logx.Err(err))
	}
	req.Logger.Info("backup imported", logx.Int("count", len(meds)))
	return req.Reply(ctx, fmt.Sprintf("📥 Importados %d medicamentos. Alarmas programadas: %d", len(meds), rep.Armed))
}

func (h *Handler) cmdClear(ctx context.Context, req *router.Request) error {
	all, err := h.cat.All(ctx)
	if err != nil {
		return err
	}
	for _, m := range all {
		h.planner.Forget(ctx, m.ID)
	}
	if err := h.cat.ClearAll(ctx); err != nil {
		return err
	}
	rep, err := h.planner.RearmAll(ctx)
	if err != nil {
		req.Logger.Warn("rearm after clear incomplete", logx.Err(err))
	}
	left, _ := h.cat.All(ctx)
	req.Logger.Info("catalog cleared", logx.Int("removed", len(all)), logx.Int("reseeded", len(left)))
	return req.Reply(ctx, fmt.Sprintf("🧹 Eliminados %d medicamentos. Quedan %d, alarmas programadas: %d", len(all), len(left), rep.Armed))
}
