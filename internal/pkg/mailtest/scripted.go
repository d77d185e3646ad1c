package mailtest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
)

// StartScripted serves a canned IMAP dialogue for replies the in-memory
// server cannot produce, such as a NIL body section. replies maps a command
// verb ("EXAMINE", "UID FETCH") onto the untagged lines sent before the
// tagged OK. LOGIN, CAPABILITY, NOOP and LOGOUT need no script; any other
// unscripted command is answered with BAD.
func StartScripted(t testing.TB, replies map[string][]string) (host string, port int) {
	t.Helper()

	ln := listen(t)
	var (
		mu    sync.Mutex
		conns []net.Conn
		wg    sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				serveScript(conn, replies)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	return splitAddr(t, ln.Addr())
}

func serveScript(conn net.Conn, replies map[string][]string) {
	defer func() {
		_ = conn.Close()
	}()

	w := bufio.NewWriter(conn)
	send := func(lines ...string) bool {
		for _, l := range lines {
			if _, err := w.WriteString(l + "\r\n"); err != nil {
				return false
			}
		}
		return w.Flush() == nil
	}

	if !send("* OK [CAPABILITY IMAP4rev1] scripted server ready") {
		return
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		tag, rest, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		verb := commandVerb(rest)

		var out []string
		switch verb {
		case "LOGIN":
			out = []string{tag + " OK [CAPABILITY IMAP4rev1] logged in"}
		case "CAPABILITY":
			out = []string{"* CAPABILITY IMAP4rev1", tag + " OK done"}
		case "NOOP":
			out = []string{tag + " OK done"}
		case "LOGOUT":
			send("* BYE logging out", tag+" OK done")
			return
		default:
			untagged, ok := replies[verb]
			if !ok {
				out = []string{fmt.Sprintf("%s BAD no script for %s", tag, verb)}
				break
			}
			out = append(append(out, untagged...), tag+" OK done")
		}

		if !send(out...) {
			return
		}
	}
}

// commandVerb returns the command name, two words for UID commands.
func commandVerb(rest string) string {
	fields := strings.Fields(strings.ToUpper(rest))
	switch {
	case len(fields) == 0:
		return ""
	case fields[0] == "UID" && len(fields) > 1:
		return "UID " + fields[1]
	default:
		return fields[0]
	}
}
