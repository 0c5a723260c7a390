package peer

import (
	"encoding/json"
	"testing"
	"time"
)

func testMessage(from string) Message {
	return Message{
		From:      from,
		Data:      json.RawMessage(`"hi"`),
		Timestamp: time.Now(),
	}
}

func TestPublish_EmptyDeviceID(t *testing.T) {
	t.Parallel()

	r := NewRegistry(0)
	if _, err := r.Publish(""); err == nil {
		t.Fatal("expected error for empty device id")
	}
}

func TestOffer_Delivered(t *testing.T) {
	t.Parallel()

	r := NewRegistry(0)
	h, err := r.Publish("dev-b")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	status := r.Offer("dev-b", testMessage("dev-a"))
	if status != Delivered {
		t.Fatalf("Offer: got %s, want delivered", status)
	}

	select {
	case msg := <-h.Inbox():
		if msg.From != "dev-a" {
			t.Errorf("From: got %q, want dev-a", msg.From)
		}
	default:
		t.Fatal("expected a message in the inbox")
	}
}

func TestOffer_UnknownTarget(t *testing.T) {
	t.Parallel()

	r := NewRegistry(0)
	if status := r.Offer("dev-x", testMessage("dev-a")); status != Unknown {
		t.Fatalf("Offer: got %s, want unknown", status)
	}
}

func TestOffer_FullInboxDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	r := NewRegistry(1)
	if _, err := r.Publish("dev-b"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if status := r.Offer("dev-b", testMessage("dev-a")); status != Delivered {
		t.Fatalf("first Offer: got %s, want delivered", status)
	}
	// Inbox capacity is 1 and nobody is draining: the second offer must
	// return immediately with Full.
	done := make(chan OfferStatus, 1)
	go func() { done <- r.Offer("dev-b", testMessage("dev-a")) }()
	select {
	case status := <-done:
		if status != Full {
			t.Fatalf("second Offer: got %s, want full", status)
		}
	case <-time.After(time.Second):
		t.Fatal("Offer blocked on a full inbox")
	}
}

func TestRevoke_OffersSeeClosedOrUnknown(t *testing.T) {
	t.Parallel()

	r := NewRegistry(0)
	h, err := r.Publish("dev-b")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	r.Revoke(h)

	if r.Lookup("dev-b") {
		t.Error("Lookup after Revoke: got true, want false")
	}
	if status := r.Offer("dev-b", testMessage("dev-a")); status != Unknown {
		t.Fatalf("Offer after Revoke: got %s, want unknown", status)
	}
}

func TestPublish_ReconnectReplacesOldHandle(t *testing.T) {
	t.Parallel()

	r := NewRegistry(0)
	old, err := r.Publish("dev-b")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	fresh, err := r.Publish("dev-b")
	if err != nil {
		t.Fatalf("re-Publish: %v", err)
	}

	// Delivery reaches the new handle.
	if status := r.Offer("dev-b", testMessage("dev-a")); status != Delivered {
		t.Fatalf("Offer: got %s, want delivered", status)
	}
	select {
	case <-fresh.Inbox():
	default:
		t.Fatal("message did not reach the replacement handle")
	}

	// Revoking the stale handle must not unregister the replacement.
	r.Revoke(old)
	if !r.Lookup("dev-b") {
		t.Error("stale Revoke removed the replacement handle")
	}
}

func TestOfferStatus_String(t *testing.T) {
	t.Parallel()

	cases := map[OfferStatus]string{
		Delivered: "delivered",
		Unknown:   "unknown",
		Full:      "full",
		Closed:    "closed",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(status), got, want)
		}
	}
}
