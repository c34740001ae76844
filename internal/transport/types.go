// Package transport defines the chat surface shared by the Telegram and
// console adapters.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Document is an attached file, already downloaded by the adapter.
type Document struct {
	Name string
	Data []byte
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	Document     *Document
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

// MessageRef identifies a delivered message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.MessageID == 0 }

type Button struct {
	Text string
	Data string
}

// Keyboard is a grid of inline buttons, one slice per row.
type Keyboard [][]Button

const ParseHTML = "HTML"

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
	Keyboard       Keyboard
	// RemoveKeyboard clears buttons on edit.
	RemoveKeyboard bool
}

type Notification struct {
	Target  ChatTarget
	Text    string
	Options *SendOptions
	// Key overrides the dedup key derived from target and text.
	Key string
}

type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// DocumentSender is implemented by adapters that can deliver files.
type DocumentSender interface {
	SendDocument(ctx context.Context, to ChatTarget, doc Document, caption string) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters with a platform command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
