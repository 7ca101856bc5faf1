package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// RealDialer creates authenticated IMAP sessions against real upstream
// providers. Adapted from the teacher's internal/imap/client.go (TLS dial +
// Login) with the IDLE push plumbing grounded on the corpus's
// UnilateralDataHandler pattern for EXISTS/EXPUNGE notifications.
type RealDialer struct{}

// NewRealDialer creates a new RealDialer.
func NewRealDialer() *RealDialer { return &RealDialer{} }

// Dial connects to cfg.Host:cfg.Port over TLS, waits for the server
// greeting, then authenticates with LOGIN.
func (d *RealDialer) Dial(ctx context.Context, cfg ConnectionConfig) (Connection, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	rc := &realConn{woke: make(chan struct{}, 1)}

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				rc.notify()
			},
			Expunge: func(seqNum uint32) {
				rc.notify()
			},
		},
	}

	dialer := &net.Dialer{}
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}

	client := imapclient.New(tlsConn, opts)

	if err := client.Login(cfg.Email, cfg.Password).Wait(); err != nil {
		// Some providers reject plain LOGIN and require SASL PLAIN over
		// AUTHENTICATE instead; fall back to it before giving up.
		saslErr := client.Authenticate(sasl.NewPlainClient("", cfg.Email, cfg.Password)).Wait()
		if saslErr != nil {
			client.Close()
			return nil, fmt.Errorf("login for %s: %w", cfg.Email, err)
		}
	}

	rc.client = client
	return rc, nil
}

// realConn wraps a go-imap/v2 client, funneling unilateral push
// notifications (new EXISTS/EXPUNGE data) into a buffered wake channel for
// Idle to consume. UIDVALIDITY is not stored here; Select returns it.
type realConn struct {
	client *imapclient.Client

	mu   sync.Mutex
	woke chan struct{}
}

func (c *realConn) notify() {
	select {
	case c.woke <- struct{}{}:
	default:
	}
}

func (c *realConn) Probe(ctx context.Context) bool {
	done := make(chan error, 1)
	go func() { done <- c.client.Noop().Wait() }()
	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

func (c *realConn) Select(ctx context.Context, folder string) (uint32, error) {
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", folder, err)
	}
	// Drain any notifications accumulated under the previous selection.
	select {
	case <-c.woke:
	default:
	}
	return uint32(data.UIDValidity), nil
}

func (c *realConn) UIDsSince(ctx context.Context, lastSeen uint32) ([]uint32, error) {
	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(lastSeen+1), 0)

	data, err := c.client.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{uidSet},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	all := data.AllUIDs()
	out := make([]uint32, 0, len(all))
	for _, uid := range all {
		if uint32(uid) > lastSeen {
			out = append(out, uint32(uid))
		}
	}
	return out, nil
}

func (c *realConn) FetchEnvelope(ctx context.Context, uid uint32) (EnvelopeRecord, error) {
	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(uid))

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return EnvelopeRecord{}, fmt.Errorf("no message for uid %d", uid)
	}

	rec := EnvelopeRecord{UID: uid}
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataEnvelope:
			rec.Subject = data.Envelope.Subject
			rec.Date = data.Envelope.Date
			if len(data.Envelope.From) > 0 {
				rec.From = data.Envelope.From[0].Addr()
			}
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				if f == imap.FlagSeen {
					rec.Seen = true
				}
			}
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return EnvelopeRecord{}, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	return rec, nil
}

func (c *realConn) Idle(ctx context.Context, timeout time.Duration) (WakeReason, error) {
	// Drain any notification that arrived before IDLE started so it is
	// not mistaken for a push that happens during this cycle; such a
	// change will still be picked up by the UID delta computed before
	// IDLE was entered.
	select {
	case <-c.woke:
	default:
	}

	idleCmd, err := c.client.Idle()
	if err != nil {
		return WakeCancelled, fmt.Errorf("idle: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.woke:
		idleCmd.Close()
		return WakePush, nil
	case <-timer.C:
		idleCmd.Close()
		return WakeTimeout, nil
	case <-ctx.Done():
		idleCmd.Close()
		return WakeCancelled, ctx.Err()
	}
}

// Close sends LOGOUT, waiting at most 5 seconds for the server's reply so
// a dead session cannot stall the caller, then closes the transport.
func (c *realConn) Close() error {
	done := make(chan error, 1)
	go func() { done <- c.client.Logout().Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return c.client.Close()
}
