package tools

import (
	"context"
	"encoding/json"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

type accountArgs struct {
	Account string `json:"account"`
}

type refArgs struct {
	Account     string `json:"account"`
	Folder      string `json:"folder"`
	UID         uint32 `json:"uid"`
	UIDValidity uint32 `json:"uid_validity"`
}

func (a refArgs) ref() mailer.MessageRef {
	return mailer.MessageRef{Folder: a.Folder, UID: a.UID, UIDValidity: a.UIDValidity}
}

type searchArgs struct {
	Account  string `json:"account"`
	Folder   string `json:"folder"`
	Since    Day    `json:"since"`
	Before   Day    `json:"before"`
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Text     string `json:"text"`
	Seen     *bool  `json:"seen"`
	Flagged  *bool  `json:"flagged"`
	Answered *bool  `json:"answered"`
	Deleted  *bool  `json:"deleted"`
	Query    string `json:"query"`
	Offset   int    `json:"offset"`
	Limit    *int   `json:"limit"`
	Page     int    `json:"page"`
	Order    string `json:"order"`
}

type attachmentArgs struct {
	refArgs
	Index int `json:"index"`
}

type sendArgs struct {
	Account string `json:"account"`
	mailer.OutboundMessage
}

type flagArgs struct {
	refArgs
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

type moveArgs struct {
	refArgs
	TargetFolder string `json:"target_folder"`
}

// Ack is the result of operations that return nothing else.
type Ack struct {
	Status string `json:"status"`
}

var ackOK = Ack{Status: "ok"}

func (d *Dispatcher) listAccounts(ctx context.Context, args json.RawMessage) (any, error) {
	var none struct{}
	if err := decode(args, &none); err != nil {
		return nil, err
	}
	return map[string]any{"accounts": d.gw.ListAccounts(ctx)}, nil
}

func (d *Dispatcher) listFolders(ctx context.Context, args json.RawMessage) (any, error) {
	var a accountArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}

	folders, err := d.gw.ListFolders(ctx, a.Account)
	if err != nil {
		return nil, err
	}
	return map[string]any{"folders": folders}, nil
}

func (d *Dispatcher) searchMessages(ctx context.Context, args json.RawMessage) (any, error) {
	var a searchArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}

	limit := d.opts.DefaultLimit
	if a.Limit != nil {
		limit = *a.Limit
	}

	return d.gw.SearchMessages(ctx, a.Account, mailer.SearchCriteria{
		Folder:   a.Folder,
		Since:    a.Since.Time,
		Before:   a.Before.Time,
		From:     a.From,
		To:       a.To,
		Subject:  a.Subject,
		Body:     a.Body,
		Text:     a.Text,
		Seen:     a.Seen,
		Flagged:  a.Flagged,
		Answered: a.Answered,
		Deleted:  a.Deleted,
		Query:    a.Query,
		Offset:   a.Offset,
		Limit:    limit,
		Page:     a.Page,
		Order:    a.Order,
	})
}

func (d *Dispatcher) getMessage(ctx context.Context, args json.RawMessage) (any, error) {
	var a refArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	return d.gw.GetMessage(ctx, a.Account, a.ref())
}

func (d *Dispatcher) getAttachment(ctx context.Context, args json.RawMessage) (any, error) {
	var a attachmentArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	return d.gw.GetAttachment(ctx, a.Account, a.ref(), a.Index)
}

func (d *Dispatcher) sendMessage(ctx context.Context, args json.RawMessage) (any, error) {
	var a sendArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	return d.gw.SendMessage(ctx, a.Account, a.OutboundMessage)
}

func (d *Dispatcher) updateFlags(ctx context.Context, args json.RawMessage) (any, error) {
	var a flagArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}

	err := d.gw.UpdateFlags(ctx, a.Account, a.ref(), mailer.FlagChanges{Add: a.Add, Remove: a.Remove})
	if err != nil {
		return nil, err
	}
	return ackOK, nil
}

func (d *Dispatcher) moveMessage(ctx context.Context, args json.RawMessage) (any, error) {
	var a moveArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}

	if err := d.gw.MoveMessage(ctx, a.Account, a.ref(), a.TargetFolder); err != nil {
		return nil, err
	}
	return ackOK, nil
}

func (d *Dispatcher) deleteMessage(ctx context.Context, args json.RawMessage) (any, error) {
	var a refArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}

	if err := d.gw.DeleteMessage(ctx, a.Account, a.ref()); err != nil {
		return nil, err
	}
	return ackOK, nil
}
