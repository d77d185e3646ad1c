// Package mailtest runs in-process IMAP and SMTP servers for tests.
package mailtest

import (
	"bytes"
	"io"
	"log"
	"net"
	"strconv"
	"testing"
	"time"
	"unicode"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	Username = "user@example.org"
	Password = "hunter2"
)

// CapsRev1 is a bare IMAP4rev1 server without MOVE, UIDPLUS, ESEARCH or
// LIST-STATUS.
var CapsRev1 = imap.CapSet{imap.CapIMAP4rev1: {}}

// CapsModern adds the extensions used for native move, UID expunge and
// counted search.
var CapsModern = imap.CapSet{
	imap.CapIMAP4rev1:  {},
	imap.CapMove:       {},
	imap.CapUIDPlus:    {},
	imap.CapESearch:    {},
	imap.CapListStatus: {},
}

type IMAPOptions struct {
	Caps      imap.CapSet // CapsRev1 when nil.
	Mailboxes []string    // Created next to INBOX.
	// RejectUTF8Search makes SEARCH with non-ASCII strings fail with
	// BADCHARSET. MOVE is unavailable on such a server.
	RejectUTF8Search bool
}

type IMAPServer struct {
	User *imapmemserver.User
	Host string
	Port int
	srv  *imapserver.Server
	ln   net.Listener
}

// StartIMAP serves a fresh in-memory mailbox store on a loopback port until
// the test ends.
func StartIMAP(t testing.TB, opts IMAPOptions) *IMAPServer {
	t.Helper()

	caps := opts.Caps
	if caps == nil {
		caps = CapsRev1
	}

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(Username, Password)
	for _, name := range append([]string{"INBOX"}, opts.Mailboxes...) {
		if err := user.Create(name, nil); err != nil {
			t.Fatalf("create mailbox %s: %v", name, err)
		}
	}
	memServer.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			sess := memServer.NewSession()
			if opts.RejectUTF8Search {
				sess = asciiSearchSession{sess}
			}
			return sess, nil, nil
		},
		Caps:         caps,
		Logger:       log.New(io.Discard, "", 0),
		InsecureAuth: true,
	})

	ln := listen(t)
	go func() { _ = srv.Serve(ln) }()

	s := &IMAPServer{User: user, srv: srv, ln: ln}
	s.Host, s.Port = splitAddr(t, ln.Addr())
	t.Cleanup(func() { _ = srv.Close() })

	return s
}

// Deliver appends raw to mailbox and returns the assigned UID.
func (s *IMAPServer) Deliver(t testing.TB, mailbox string, raw []byte, flags ...imap.Flag) imap.UID {
	t.Helper()

	data, err := s.User.Append(mailbox, bytes.NewReader(raw), &imap.AppendOptions{Flags: flags, Time: time.Now()})
	if err != nil {
		t.Fatalf("append to %s: %v", mailbox, err)
	}
	return data.UID
}

// Count returns the number of messages currently in mailbox.
func (s *IMAPServer) Count(t testing.TB, mailbox string) uint32 {
	t.Helper()

	status, err := s.User.Status(mailbox, &imap.StatusOptions{NumMessages: true})
	if err != nil {
		t.Fatalf("status %s: %v", mailbox, err)
	}
	return *status.NumMessages
}

// Addr returns host:port of the listener.
func (s *IMAPServer) Addr() string { return s.ln.Addr().String() }

// StartSilent accepts connections and never answers. It is used to provoke
// greeting and handshake timeouts.
func StartSilent(t testing.TB) (host string, port int) {
	t.Helper()

	ln := listen(t)
	var held []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				for _, c := range held {
					_ = c.Close()
				}
				return
			}
			held = append(held, conn)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})

	return splitAddr(t, ln.Addr())
}

func listen(t testing.TB) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func splitAddr(t testing.TB, addr net.Addr) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return host, port
}

type asciiSearchSession struct {
	imapserver.Session
}

func (s asciiSearchSession) Search(kind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (*imap.SearchData, error) {
	if !asciiCriteria(criteria) {
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeBadCharset,
			Text: "only US-ASCII searches are supported",
		}
	}
	return s.Session.Search(kind, criteria, options)
}

func asciiCriteria(c *imap.SearchCriteria) bool {
	strs := append(append([]string(nil), c.Body...), c.Text...)
	for _, h := range c.Header {
		strs = append(strs, h.Value)
	}
	for _, s := range strs {
		for _, r := range s {
			if r > unicode.MaxASCII {
				return false
			}
		}
	}

	for i := range c.Not {
		if !asciiCriteria(&c.Not[i]) {
			return false
		}
	}
	for i := range c.Or {
		if !asciiCriteria(&c.Or[i][0]) || !asciiCriteria(&c.Or[i][1]) {
			return false
		}
	}
	return true
}
