package imapops

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

// UpdateFlags adds and removes flags on one message. Adding a flag that is
// already set, or removing one that is not, succeeds without change.
func UpdateFlags(ctx context.Context, sess Session, ref mailer.MessageRef, changes mailer.FlagChanges) error {
	add, err := parseFlags(changes.Add)
	if err != nil {
		return err
	}
	remove, err := parseFlags(changes.Remove)
	if err != nil {
		return err
	}
	if len(add) == 0 && len(remove) == 0 {
		return mailer.Validationf("no flag changes given")
	}

	if _, err := openRef(ctx, sess, ref, false); err != nil {
		return err
	}

	for _, change := range []struct {
		op    imap.StoreFlagsOp
		flags []imap.Flag
	}{
		{imap.StoreFlagsAdd, add},
		{imap.StoreFlagsDel, remove},
	} {
		if len(change.flags) == 0 {
			continue
		}
		if err := store(ctx, sess, ref.UID, change.op, change.flags); err != nil {
			return commandError(err, "update flags of message %d in %q", ref.UID, ref.Folder)
		}
	}
	return nil
}

func parseFlags(names []string) ([]imap.Flag, error) {
	flags := make([]imap.Flag, 0, len(names))
	for _, name := range names {
		f, err := parseFlag(name)
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, nil
}

func store(ctx context.Context, sess Session, uid uint32, op imap.StoreFlagsOp, flags []imap.Flag) error {
	return sess.Do(ctx, func(c *imapclient.Client) error {
		return c.Store(uidSet(uid), &imap.StoreFlags{Op: op, Silent: true, Flags: flags}, nil).Close()
	})
}

// Move moves one message to target. Without the MOVE extension it copies
// first and only marks and expunges the source once the copy succeeded, so
// a failed copy leaves the message where it was.
func Move(ctx context.Context, sess Session, ref mailer.MessageRef, target string) error {
	if target == "" {
		return mailer.Validationf("target folder is required")
	}
	if target == ref.Folder {
		return mailer.Validationf("message is already in %q", target)
	}

	if _, err := openRef(ctx, sess, ref, false); err != nil {
		return err
	}

	if sess.Caps().Move {
		err := sess.Do(ctx, func(c *imapclient.Client) error {
			_, err := c.Move(uidSet(ref.UID), target).Wait()
			return err
		})
		return moveError(err, ref, target)
	}

	err := sess.Do(ctx, func(c *imapclient.Client) error {
		_, err := c.Copy(uidSet(ref.UID), target).Wait()
		return err
	})
	if err != nil {
		return moveError(err, ref, target)
	}

	if err := store(ctx, sess, ref.UID, imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted}); err != nil {
		return commandError(err, "mark message %d deleted in %q after copy", ref.UID, ref.Folder)
	}
	if err := expunge(ctx, sess, ref.UID); err != nil {
		return commandError(err, "expunge message %d from %q after copy", ref.UID, ref.Folder)
	}
	return nil
}

func moveError(err error, ref mailer.MessageRef, target string) error {
	err = commandError(err, "move message %d from %q to %q", ref.UID, ref.Folder, target)
	if e, ok := err.(*mailer.Error); ok && e.Reason == mailer.ReasonFolderNotFound {
		e.Detail = fmt.Sprintf("target folder %q does not exist", target)
	}
	return err
}

// Delete marks one message \Deleted and expunges it.
func Delete(ctx context.Context, sess Session, ref mailer.MessageRef) error {
	if _, err := openRef(ctx, sess, ref, false); err != nil {
		return err
	}

	if err := store(ctx, sess, ref.UID, imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted}); err != nil {
		return commandError(err, "mark message %d deleted in %q", ref.UID, ref.Folder)
	}
	if err := expunge(ctx, sess, ref.UID); err != nil {
		return commandError(err, "expunge message %d from %q", ref.UID, ref.Folder)
	}
	return nil
}

// expunge removes uid with UID EXPUNGE when UIDPLUS is available. Plain
// EXPUNGE also removes other messages already marked \Deleted.
func expunge(ctx context.Context, sess Session, uid uint32) error {
	uidPlus := sess.Caps().UIDPlus
	return sess.Do(ctx, func(c *imapclient.Client) error {
		if uidPlus {
			return c.UIDExpunge(uidSet(uid)).Close()
		}
		return c.Expunge().Close()
	})
}

// AppendSent stores a copy of a sent message in folder, marked \Seen.
func AppendSent(ctx context.Context, sess Session, folder string, raw []byte, sentAt time.Time) error {
	err := sess.Do(ctx, func(c *imapclient.Client) error {
		cmd := c.Append(folder, int64(len(raw)), &imap.AppendOptions{
			Flags: []imap.Flag{imap.FlagSeen},
			Time:  sentAt,
		})
		if _, err := bytes.NewReader(raw).WriteTo(cmd); err != nil {
			_ = cmd.Close()
			return err
		}
		if err := cmd.Close(); err != nil {
			return err
		}
		_, err := cmd.Wait()
		return err
	})
	return commandError(err, "append sent message to %q", folder)
}

// ResolveSentFolder returns preferred when set, otherwise the folder marked
// as sent.
func ResolveSentFolder(ctx context.Context, sess Session, preferred string) (string, error) {
	if preferred != "" {
		return preferred, nil
	}

	folders, err := ListFolders(ctx, sess)
	if err != nil {
		return "", err
	}
	if name := FindSpecialUse(folders, "sent"); name != "" {
		return name, nil
	}
	return "", mailer.Protocol(mailer.ReasonFolderNotFound, nil, "", "account has no sent folder")
}
