package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"medtime/internal/transport"
)

func TestSplitTextShort(t *testing.T) {
	got := splitText("hola", 10, "")
	if len(got) != 1 || got[0] != "hola" {
		t.Fatalf("got %q", got)
	}
	if got := splitText("", 10, ""); len(got) != 1 {
		t.Fatalf("empty text must yield one chunk, got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextRespectsLimitInRunes(t *testing.T) {
	s := strings.Repeat("💊", 25)
	for _, c := range splitText(s, 10, "") {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	s := "xxxxxxx<b>bold</b>"
	got := splitText(s, 9, "HTML")
	if got[0] != "xxxxxxx" {
		t.Fatalf("first chunk %q cut inside a tag", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("content lost: %q", got)
	}
}

func TestMarkup(t *testing.T) {
	if markup(nil) != nil {
		t.Fatalf("no keyboard must send no markup")
	}
	rm := markup(transport.Keyboard{{{Text: "Posponer", Data: "dose:snooze:1"}, {Text: "✅ Tomado", Data: "dose:taken:1"}}})
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 2 {
		t.Fatalf("layout %+v", rm.InlineKeyboard)
	}
	if rm.InlineKeyboard[0][1].Data != "dose:taken:1" {
		t.Fatalf("data %q", rm.InlineKeyboard[0][1].Data)
	}
}

func TestMenuHashChangesWithContent(t *testing.T) {
	a := menuHash([]transport.BotCommand{{Command: "list", Description: "x"}})
	b := menuHash([]transport.BotCommand{{Command: "list", Description: "y"}})
	if a == b {
		t.Fatalf("hash must depend on description")
	}
}
