package playback

import (
	"errors"
	"testing"
	"time"
)

func TestSegmentBufferFIFO(t *testing.T) {
	buf := NewSegmentBuffer(3)

	for i := 0; i < 3; i++ {
		if !buf.Put(i, []byte{byte(i)}) {
			t.Fatalf("Put(%d) returned false", i)
		}
	}
	buf.Finish()

	for i := 0; i < 3; i++ {
		item := buf.Take()
		if item.Kind != ItemSegment {
			t.Fatalf("item %d kind = %v", i, item.Kind)
		}
		if item.Index != i {
			t.Errorf("item order: got index %d, want %d", item.Index, i)
		}
	}

	if item := buf.Take(); item.Kind != ItemFinished {
		t.Errorf("final item kind = %v, want ItemFinished", item.Kind)
	}
}

func TestSegmentBufferBackpressure(t *testing.T) {
	buf := NewSegmentBuffer(3)

	for i := 0; i < 3; i++ {
		buf.Put(i, nil)
	}

	// A fourth Put must suspend until a Take frees a slot.
	putDone := make(chan bool, 1)
	go func() {
		putDone <- buf.Put(3, nil)
	}()

	select {
	case <-putDone:
		t.Fatal("Put beyond capacity did not block")
	case <-time.After(50 * time.Millisecond):
	}

	if item := buf.Take(); item.Index != 0 {
		t.Fatalf("Take() index = %d, want 0", item.Index)
	}

	select {
	case ok := <-putDone:
		if !ok {
			t.Error("unblocked Put returned false")
		}
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock after Take")
	}
}

func TestSegmentBufferCancelUnblocksProducer(t *testing.T) {
	buf := NewSegmentBuffer(1)
	buf.Put(0, nil)

	putDone := make(chan bool, 1)
	go func() {
		putDone <- buf.Put(1, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Cancel()

	select {
	case ok := <-putDone:
		if ok {
			t.Error("cancelled Put returned true")
		}
	case <-time.After(time.Second):
		t.Fatal("Put did not observe cancellation")
	}

	// Puts after cancellation fail immediately.
	if buf.Put(2, nil) {
		t.Error("Put after Cancel returned true")
	}
}

func TestSegmentBufferCancelUnblocksConsumer(t *testing.T) {
	buf := NewSegmentBuffer(3)

	takeDone := make(chan Item, 1)
	go func() {
		takeDone <- buf.Take()
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Cancel()

	select {
	case item := <-takeDone:
		if item.Kind != ItemCancelled {
			t.Errorf("Take() kind = %v, want ItemCancelled", item.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not observe cancellation")
	}
}

func TestSegmentBufferPutErrorDelivered(t *testing.T) {
	buf := NewSegmentBuffer(3)
	cause := errors.New("download failed")

	buf.Put(0, nil)
	buf.PutError(cause)

	if item := buf.Take(); item.Kind != ItemSegment {
		t.Fatalf("first item kind = %v", item.Kind)
	}
	item := buf.Take()
	if item.Kind != ItemError {
		t.Fatalf("second item kind = %v, want ItemError", item.Kind)
	}
	if !errors.Is(item.Err, cause) {
		t.Errorf("item error = %v, want %v", item.Err, cause)
	}
}

func TestSegmentBufferPutErrorQueuedOnce(t *testing.T) {
	buf := NewSegmentBuffer(3)
	buf.PutError(errors.New("first"))
	buf.PutError(errors.New("second"))

	if n := buf.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestSegmentBufferCancelIdempotent(t *testing.T) {
	buf := NewSegmentBuffer(3)
	buf.Cancel()
	buf.Cancel()

	if !buf.Cancelled() {
		t.Error("Cancelled() = false after Cancel")
	}
	if item := buf.Take(); item.Kind != ItemCancelled {
		t.Errorf("Take() kind = %v, want ItemCancelled", item.Kind)
	}
}

func TestSegmentBufferFinishWakesConsumer(t *testing.T) {
	buf := NewSegmentBuffer(3)

	takeDone := make(chan Item, 1)
	go func() {
		takeDone <- buf.Take()
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Finish()

	select {
	case item := <-takeDone:
		if item.Kind != ItemFinished {
			t.Errorf("Take() kind = %v, want ItemFinished", item.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not observe Finish")
	}
}
