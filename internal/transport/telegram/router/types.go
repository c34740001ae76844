// Package router dispatches chat updates to commands and inline-button
// callbacks through a middleware chain and a bounded worker pool.
package router

import (
	"context"
	"time"

	"medtime/internal/transport"
	"medtime/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Timeout overrides the manager default when > 0.
	Timeout time.Duration
	// Hidden commands are routed but left out of help and the menu.
	Hidden bool
	Handle HandlerFunc
}

// CallbackRoute handles button presses whose data starts with Prefix.
type CallbackRoute struct {
	Prefix  string
	Access  Access
	Timeout time.Duration
	// Handle returns the short toast shown to the user.
	Handle func(ctx context.Context, req *Request) (string, error)
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Text is everything after the command word, untokenized.
	Text     string
	Data     string
	Document *transport.Document
	ReqID    string
	Owner    bool

	Adapter transport.Adapter
	Logger  logx.Logger
}

// Reply sends plain text to the request chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends text with HTML parse mode.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true, ParseMode: transport.ParseHTML})
	return err
}
