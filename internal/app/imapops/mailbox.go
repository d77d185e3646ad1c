// Package imapops translates mailbox operations into IMAP exchanges over a
// session handed out by connmgr.
package imapops

import (
	"context"
	"errors"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

// Session is the part of connmgr.IMAPSession the operations need.
type Session interface {
	Do(ctx context.Context, fn func(c *imapclient.Client) error) error
	Caps() connmgr.Capabilities
	Account() string
}

// selectFolder opens folder for this call. Every operation selects again so
// a pooled session never carries the previous caller's mailbox. A non-zero
// wantValidity must match the folder's UIDVALIDITY.
func selectFolder(ctx context.Context, sess Session, folder string, readOnly bool, wantValidity uint32) (*imap.SelectData, error) {
	var data *imap.SelectData
	err := sess.Do(ctx, func(c *imapclient.Client) error {
		var err error
		data, err = c.Select(folder, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
		return err
	})
	if err != nil {
		return nil, folderError(err, folder)
	}

	if wantValidity != 0 && data.UIDValidity != wantValidity {
		return nil, mailer.Protocol(mailer.ReasonStaleReference, nil, "",
			"folder %q changed UIDVALIDITY from %d to %d", folder, wantValidity, data.UIDValidity)
	}
	return data, nil
}

// folderError maps a failed SELECT, EXAMINE or STATUS. Servers answer NO
// for a missing mailbox, with NONEXISTENT when they say why.
func folderError(err error, folder string) error {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return err
	}

	if imapErr.Type == imap.StatusResponseTypeNo {
		switch imapErr.Code {
		case "", imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
			return mailer.Protocol(mailer.ReasonFolderNotFound, err, imapErr.Text, "folder %q does not exist", folder)
		}
	}
	return commandError(err, "open folder %q", folder)
}

// commandError maps a server status response to ProtocolError. Errors that
// are already classified pass through.
func commandError(err error, format string, args ...any) error {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return err
	}

	e := mailer.Protocol("", err, imapErr.Text, format+" failed", args...)
	switch imapErr.Code {
	case imap.ResponseCodeTryCreate, imap.ResponseCodeNonExistent:
		e.Reason = mailer.ReasonFolderNotFound
	case imap.ResponseCodeTooBig, imap.ResponseCodeLimit:
		e.Reason = mailer.ReasonMessageTooLarge
	case imap.ResponseCodeUnavailable, imap.ResponseCodeInUse:
		e.Retryable = true
	}
	return e
}

// messageExists checks uid with UID SEARCH so a missing message yields a
// precise error instead of a silent no-op.
func messageExists(ctx context.Context, sess Session, folder string, uid uint32) error {
	if uid == 0 {
		return mailer.Validationf("uid must be positive")
	}

	var found bool
	err := sess.Do(ctx, func(c *imapclient.Client) error {
		data, err := c.UIDSearch(&imap.SearchCriteria{
			UID: []imap.UIDSet{imap.UIDSetNum(imap.UID(uid))},
		}, nil).Wait()
		if err != nil {
			return err
		}
		found = len(data.AllUIDs()) > 0
		return nil
	})
	if err != nil {
		return commandError(err, "look up message %d in %q", uid, folder)
	}
	if !found {
		return notFound(folder, uid)
	}
	return nil
}

func notFound(folder string, uid uint32) error {
	return mailer.Protocol(mailer.ReasonMessageNotFound, nil, "", "message %d not found in %q", uid, folder)
}

func uidSet(uid uint32) imap.UIDSet {
	return imap.UIDSetNum(imap.UID(uid))
}

func validateRef(ref mailer.MessageRef) error {
	if ref.Folder == "" {
		return mailer.Validationf("message reference needs a folder")
	}
	if ref.UID == 0 {
		return mailer.Validationf("message reference needs a positive uid")
	}
	return nil
}

// openRef selects the folder of ref and confirms the message is there.
func openRef(ctx context.Context, sess Session, ref mailer.MessageRef, readOnly bool) (*imap.SelectData, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	data, err := selectFolder(ctx, sess, ref.Folder, readOnly, ref.UIDValidity)
	if err != nil {
		return nil, err
	}
	if err := messageExists(ctx, sess, ref.Folder, ref.UID); err != nil {
		return nil, err
	}
	return data, nil
}
