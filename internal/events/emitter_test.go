package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/notify"
)

type stubShipper struct {
	sent []notify.Message
	err  error
}

func (s *stubShipper) Send(ctx context.Context, msg notify.Message) error {
	s.sent = append(s.sent, msg)
	return s.err
}

func TestEmitter_DurablyAppendsBeforeShipping(t *testing.T) {
	log := NewMemoryLog()
	shipper := &stubShipper{}
	e := New(log, shipper, zerolog.Nop())

	err := e.Emit(context.Background(), "acct-1", "grant-1", "INBOX", MessageRecord{UID: 5, Subject: "hi", From: "a@b.com"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	entries := log.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 durable entry, got %d", len(entries))
	}
	if entries[0].UID != 5 {
		t.Errorf("expected uid 5, got %d", entries[0].UID)
	}
	if len(shipper.sent) != 1 {
		t.Fatalf("expected 1 shipped message, got %d", len(shipper.sent))
	}
	if shipper.sent[0].GrantID != "grant-1" {
		t.Errorf("expected grant-1, got %q", shipper.sent[0].GrantID)
	}
}

func TestEmitter_ShipperFailureDoesNotFailEmit(t *testing.T) {
	log := NewMemoryLog()
	shipper := &stubShipper{err: errors.New("upstream down")}
	e := New(log, shipper, zerolog.Nop())

	err := e.Emit(context.Background(), "acct-1", "grant-1", "INBOX", MessageRecord{UID: 1})
	if err != nil {
		t.Fatalf("expected emit to succeed despite shipper failure, got %v", err)
	}
	if len(log.All()) != 1 {
		t.Error("expected the event to remain durably recorded")
	}
}

func TestEmitter_NilShipperStillAppends(t *testing.T) {
	log := NewMemoryLog()
	e := New(log, nil, zerolog.Nop())

	if err := e.Emit(context.Background(), "acct-1", "grant-1", "INBOX", MessageRecord{UID: 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(log.All()) != 1 {
		t.Error("expected durable append with nil shipper")
	}
}
