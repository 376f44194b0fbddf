package net

import (
	"errors"
	"testing"
	"time"

	"tabletop/session/internal/channel"
)

func TestOutboxNeverBlocksOnStalledWriter(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stalled := make(chan error, 1)
	outbox := NewOutbox(2, func(Outgoing) error {
		<-release
		return nil
	}, func(err error) { stalled <- err })

	done := make(chan error, 1)
	go func() {
		var last error
		for i := 0; i < 16; i++ {
			if err := outbox.Push(channel.UnorderedReliable, []byte{byte(i)}); err != nil {
				last = err
			}
		}
		done <- last
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrBacklogFull) && !errors.Is(err, ErrClosed) {
			t.Fatalf("expected pushes to be refused once full, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Push blocked behind a stalled writer")
	}
	select {
	case err := <-stalled:
		if !errors.Is(err, ErrBacklogFull) {
			t.Fatalf("expected stall on full backlog, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the stall to be reported")
	}
	if err := outbox.Push(channel.UnorderedReliable, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected a stalled outbox to refuse frames, got %v", err)
	}
}

func TestOutboxReportsWriteErrorOnce(t *testing.T) {
	boom := errors.New("write deadline exceeded")
	stalled := make(chan error, 4)
	outbox := NewOutbox(4, func(Outgoing) error { return boom }, func(err error) { stalled <- err })

	_ = outbox.Push(channel.SequencedReliable, []byte("a"))
	select {
	case err := <-stalled:
		if !errors.Is(err, boom) {
			t.Fatalf("expected write error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the write error to be reported")
	}
	_ = outbox.Push(channel.SequencedReliable, []byte("b"))
	select {
	case err := <-stalled:
		t.Fatalf("expected a single report, got a second %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutboxCloseIsSilent(t *testing.T) {
	written := make(chan Outgoing, 1)
	outbox := NewOutbox(0, func(out Outgoing) error {
		written <- out
		return nil
	}, func(err error) { t.Errorf("unexpected stall %v", err) })

	if err := outbox.Push(channel.SequencedUnreliable, []byte("cursor")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case out := <-written:
		if out.Mode != channel.SequencedUnreliable || string(out.Data) != "cursor" {
			t.Fatalf("unexpected frame %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the writer to deliver the frame")
	}
	outbox.Close()
	outbox.Close()
	if err := outbox.Push(channel.SequencedUnreliable, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
