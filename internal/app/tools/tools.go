// Package tools maps named operations with JSON arguments onto the gateway.
// It knows nothing about the transport that carries the calls.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/logger"
)

type Gateway interface {
	ListAccounts(ctx context.Context) []mailer.AccountSummary
	ListFolders(ctx context.Context, account string) ([]mailer.Folder, error)
	SearchMessages(ctx context.Context, account string, sc mailer.SearchCriteria) (*mailer.SearchResult, error)
	GetMessage(ctx context.Context, account string, ref mailer.MessageRef) (*mailer.Message, error)
	GetAttachment(ctx context.Context, account string, ref mailer.MessageRef, index int) (*mailer.AttachmentContent, error)
	SendMessage(ctx context.Context, account string, msg mailer.OutboundMessage) (*mailer.DeliveryResult, error)
	UpdateFlags(ctx context.Context, account string, ref mailer.MessageRef, changes mailer.FlagChanges) error
	MoveMessage(ctx context.Context, account string, ref mailer.MessageRef, target string) error
	DeleteMessage(ctx context.Context, account string, ref mailer.MessageRef) error
}

type Options struct {
	DefaultLimit int // Page size used when search_messages omits limit.
}

// Descriptor names a tool for callers that list what is available.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

type tool struct {
	Descriptor
	handle handler
}

type Dispatcher struct {
	gw     Gateway
	opts   Options
	tools  map[string]tool
	order  []string
	logger *slog.Logger
}

func New(gw Gateway, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		gw:     gw,
		opts:   opts,
		tools:  make(map[string]tool),
		logger: logger,
	}
	d.register("list_accounts", "List configured accounts without credentials.", d.listAccounts)
	d.register("list_folders", "List the folders of an account with message counts.", d.listFolders)
	d.register("search_messages", "Search one folder and return a page of message summaries.", d.searchMessages)
	d.register("get_message", "Fetch one message with decoded text and attachment list.", d.getMessage)
	d.register("get_attachment", "Fetch the content of one attachment by index.", d.getAttachment)
	d.register("send_message", "Send a message through the account's SMTP server.", d.sendMessage)
	d.register("update_flags", "Add or remove flags on one message.", d.updateFlags)
	d.register("move_message", "Move one message to another folder.", d.moveMessage)
	d.register("delete_message", "Delete one message permanently.", d.deleteMessage)

	return d
}

func (d *Dispatcher) register(name, description string, h handler) {
	d.tools[name] = tool{Descriptor: Descriptor{Name: name, Description: description}, handle: h}
	d.order = append(d.order, name)
}

// Tools returns the available tools in registration order.
func (d *Dispatcher) Tools() []Descriptor {
	out := make([]Descriptor, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.tools[name].Descriptor)
	}
	return out
}

// Call runs the tool called name. The returned error is always a
// *mailer.Error.
func (d *Dispatcher) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := d.tools[name]
	if !ok {
		return nil, mailer.Validationf("unknown tool %q", name)
	}

	ctx = logger.WithAttrs(ctx, slog.String("call_id", uuid.NewString()), slog.String("tool", name))
	started := time.Now()

	result, err := t.handle(ctx, args)
	if err != nil {
		e := mailer.AsError(err)
		d.logger.DebugContext(ctx, "tool call failed",
			slog.String("kind", string(e.Kind)), slog.Duration("took", time.Since(started)))
		return nil, e
	}

	d.logger.DebugContext(ctx, "tool call finished", slog.Duration("took", time.Since(started)))
	return result, nil
}

// decode unmarshals args strictly. Missing or null arguments decode to the
// zero value.
func decode(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return mailer.Validationf("invalid arguments: %v", err)
	}
	if dec.More() {
		return mailer.Validationf("invalid arguments: trailing data")
	}
	return nil
}

// Day accepts either a calendar date (2006-01-02) or an RFC 3339 time.
type Day struct{ time.Time }

func (d *Day) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}

	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("date %q is neither YYYY-MM-DD nor RFC 3339", s)
}
