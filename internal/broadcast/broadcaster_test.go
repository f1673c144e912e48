package broadcast

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedFrame(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish([]byte("frame-1"))

	select {
	case got := <-sub.Frames:
		if string(got) != "frame-1" {
			t.Fatalf("got %q, want frame-1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published frame")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(4)
	subA := b.Subscribe()
	subB := b.Subscribe()
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	b.Publish([]byte("frame"))

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case got := <-sub.Frames:
			if string(got) != "frame" {
				t.Fatalf("got %q, want frame", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestPublishDropsOldestOnFullQueue(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish([]byte("1"))
	b.Publish([]byte("2"))
	b.Publish([]byte("3")) // queue depth 2: should drop "1", keep 2 and 3

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case frame := <-sub.Frames:
			got = append(got, string(frame))
		case <-time.After(time.Second):
			t.Fatal("timed out reading queued frames")
		}
	}
	if got[0] != "2" || got[1] != "3" {
		t.Fatalf("got %v, want [2 3] (oldest frame must be dropped on overflow)", got)
	}
}

func TestUnsubscribeRemovesFromSubscriberCount(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", b.SubscriberCount())
	}
	sub.Unsubscribe()
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count after unsubscribe = %d, want 0", b.SubscriberCount())
	}
}

func TestUnsubscribeClosesFramesChannel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Frames
	if ok {
		t.Fatal("expected Frames channel to be closed after unsubscribe")
	}
}

func TestCloseUnsubscribesEveryone(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	b.Close()

	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count after Close = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Frames; ok {
		t.Fatal("expected Frames channel closed after broadcaster Close")
	}
}

func TestPublishToNoSubscribersDoesNotBlock(t *testing.T) {
	b := New(4)
	done := make(chan struct{})
	go func() {
		b.Publish([]byte("frame"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}
