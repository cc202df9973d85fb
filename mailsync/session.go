package mailsync

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/Daniel991949/cleaning-crm/config"
)

// ErrNoCredentials marks the soft-skip case: the process runs without mail
// configured and sync becomes a no-op.
var ErrNoCredentials = errors.New("imap credentials not configured")

// Network operations are bounded so a hung server degrades to an error
// instead of stalling a run forever. Vars, not consts, so tests can shorten
// them.
var (
	connectTimeout = 30 * time.Second
	commandTimeout = 60 * time.Second
)

// Session is an authenticated IMAP connection. It is single-use per sync
// run: Connect, Select, search, fetch, Logout.
type Session struct {
	client *imapclient.Client
	conn   net.Conn
}

// Connect dials the server over TLS and logs in. The dial, the TLS
// handshake and every later command carry a deadline.
func Connect(conf config.IMAP) (*Session, error) {
	if conf.Username == "" || conf.Password == "" {
		return nil, ErrNoCredentials
	}

	addr := net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: conf.Host})
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}

	s := &Session{
		client: imapclient.New(conn, nil),
		conn:   conn,
	}

	s.extendDeadline()
	if err := s.client.Login(conf.Username, conf.Password).Wait(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("imap login: %w", err)
	}

	return s, nil
}

// extendDeadline bounds the next command exchange. Once the deadline fires
// the read fails and the pending command returns an error; the session is
// dead from then on, which ends the run instead of blocking it.
func (s *Session) extendDeadline() {
	_ = s.conn.SetDeadline(time.Now().Add(commandTimeout))
}

// Select opens a mailbox and returns its UIDVALIDITY. UIDs cached from an
// earlier epoch are meaningless once this value changes.
func (s *Session) Select(mailbox string) (uint32, error) {
	s.extendDeadline()
	data, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", mailbox, err)
	}
	return data.UIDValidity, nil
}

// SearchAll returns every UID in the selected mailbox, ascending.
func (s *Session) SearchAll() ([]imap.UID, error) {
	return s.search(&imap.SearchCriteria{})
}

// SearchSince returns the UIDs of messages received since the given date,
// ascending.
func (s *Session) SearchSince(since time.Time) ([]imap.UID, error) {
	return s.search(&imap.SearchCriteria{Since: since})
}

func (s *Session) search(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	s.extendDeadline()
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	return data.AllUIDs(), nil
}

// FetchRaw retrieves the full raw content of one message. A failure here is
// per-message: the caller logs it and moves on to the next UID.
func (s *Session) FetchRaw(uid imap.UID) ([]byte, error) {
	s.extendDeadline()
	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("uid %d: no fetch response", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("uid %d: collect: %w", uid, err)
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("uid %d: body section missing", uid)
	}
	return raw, nil
}

// Logout releases the session. Errors are logged, not returned: the run is
// already over.
func (s *Session) Logout() {
	s.extendDeadline()
	if err := s.client.Logout().Wait(); err != nil {
		log.Printf("imap logout: %v", err)
	}
	_ = s.client.Close()
}
