package channel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"viaduct/message"
	"viaduct/middleware"
)

// rawCodec moves []byte payloads through unchanged. Tests that care about
// exact bytes use it instead of JSON.
type rawCodec struct{}

func (rawCodec) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errors.New("rawCodec: v must be []byte")
	}
	return b, nil
}

func (rawCodec) Decode(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return errors.New("rawCodec: v must be *[]byte")
	}
	*p = append([]byte(nil), data...)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// endpoints is one side of an in-process loopback viaduct.
type endpoints struct {
	tx   *Tx
	rx   *Rx
	done chan error // Run's result
}

// loopback wires two endpoints over two real OS pipes, no spawn involved.
func loopback(t *testing.T, optsA, optsB []Option) (a, b *endpoints) {
	t.Helper()
	optsA = append([]Option{WithLogger(quietLogger())}, optsA...)
	optsB = append([]Option{WithLogger(quietLogger())}, optsB...)

	// a → b
	bR, aW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	// b → a
	aR, bW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	a, b = &endpoints{done: make(chan error, 1)}, &endpoints{done: make(chan error, 1)}
	a.tx, a.rx = New(aR, aW, optsA...)
	b.tx, b.rx = New(bR, bW, optsB...)
	return a, b
}

func (e *endpoints) run(rpc func(*message.Message), req func(*message.Message, *Responder)) {
	if rpc == nil {
		rpc = func(*message.Message) {}
	}
	if req == nil {
		req = func(*message.Message, *Responder) {}
	}
	go func() { e.done <- e.rx.Run(rpc, req) }()
}

func (e *endpoints) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-e.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("receive loop did not finish")
		return nil
	}
}

// Three RPCs arrive in send order, exactly once each.
func TestRPCOrder(t *testing.T) {
	a, b := loopback(t, nil, nil)

	var got []string
	b.run(func(msg *message.Message) {
		var s string
		if err := msg.Decode(&s); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		got = append(got, s)
	}, nil)

	for _, s := range []string{"A", "B", "C"} {
		if err := a.tx.RPC(s); err != nil {
			t.Fatalf("RPC(%s): %v", s, err)
		}
	}
	a.tx.Close()
	if err := b.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"A", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// A single request round-trips and returns the handler's reply.
func TestRequestResponse(t *testing.T) {
	a, b := loopback(t, nil, nil)

	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		var s string
		if err := msg.Decode(&s); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if s != "ping" {
			t.Errorf("request payload %q, want %q", s, "ping")
		}
		if err := r.Respond("pong"); err != nil {
			t.Errorf("respond: %v", err)
		}
	})

	var reply string
	if err := a.tx.Request("ping", &reply); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply != "pong" {
		t.Errorf("reply %q, want %q", reply, "pong")
	}

	a.tx.Close()
	b.tx.Close()
	b.wait(t)
	a.wait(t)
}

// Eight parallel requests whose responses come back in reverse order: every
// caller must be woken by its own response.
func TestParallelRequestsReordered(t *testing.T) {
	a, b := loopback(t, nil, nil)

	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		var i int
		if err := msg.Decode(&i); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		r.Detach()
		go func() {
			time.Sleep(time.Duration(9-i) * 10 * time.Millisecond)
			if err := r.Respond(i); err != nil {
				t.Errorf("respond(%d): %v", i, err)
			}
		}()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			if err := a.tx.Request(i, &got); err != nil {
				t.Errorf("Request(%d): %v", i, err)
				return
			}
			if got != i {
				t.Errorf("Request(%d) returned %d", i, got)
			}
		}(i)
	}
	wg.Wait()

	a.tx.Close()
	b.tx.Close()
	b.wait(t)
	a.wait(t)
}

// Concurrent senders must not interleave frame bytes: every received payload
// is 1 KiB of a single sender's byte.
func TestConcurrentRPCIntegrity(t *testing.T) {
	const perSender = 1000
	raw := []Option{WithCodec(rawCodec{})}
	a, b := loopback(t, raw, raw)

	received := 0
	b.run(func(msg *message.Message) {
		payload := msg.Bytes()
		if len(payload) != 1024 {
			t.Errorf("payload length %d, want 1024", len(payload))
			return
		}
		for _, c := range payload {
			if c != payload[0] {
				t.Errorf("mixed payload: %q and %q", payload[0], c)
				return
			}
		}
		received++
	}, nil)

	var wg sync.WaitGroup
	for _, id := range []byte{'x', 'y'} {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			payload := make([]byte, 1024)
			for i := range payload {
				payload[i] = id
			}
			for i := 0; i < perSender; i++ {
				if err := a.tx.RPC(payload); err != nil {
					t.Errorf("RPC: %v", err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	a.tx.Close()
	if err := b.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if received != 2*perSender {
		t.Errorf("received %d payloads, want %d", received, 2*perSender)
	}
}

// A handler that returns without responding must wake the caller with
// ErrDroppedResponder, promptly.
func TestDroppedResponderWakesCaller(t *testing.T) {
	a, b := loopback(t, nil, nil)

	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		// deliberately no Respond
	})

	start := time.Now()
	err := a.tx.Request("anyone there?", nil)
	if !errors.Is(err, ErrDroppedResponder) {
		t.Fatalf("expected ErrDroppedResponder, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("caller woken after %v, want < 1s", elapsed)
	}

	a.tx.Close()
	b.tx.Close()
	b.wait(t)
	a.wait(t)
}

// Closing the peer's write pipe mid-request poisons this endpoint and wakes
// the blocked caller.
func TestPipeCloseMidRequestPoisons(t *testing.T) {
	a, b := loopback(t, nil, nil)

	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		r.Detach() // never responds
		b.tx.Close()
	})

	start := time.Now()
	err := a.tx.Request("doomed", nil)
	if !errors.Is(err, ErrPoisoned) {
		t.Fatalf("expected ErrPoisoned, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("caller woken after %v, want < 1s", elapsed)
	}
	if err := a.wait(t); err != nil {
		t.Errorf("clean EOF should return nil, got %v", err)
	}

	// Poisoning is monotonic: later sends fail too.
	if err := a.tx.RPC("too late"); !errors.Is(err, ErrPoisoned) {
		t.Errorf("RPC after poison: expected ErrPoisoned, got %v", err)
	}
	if err := a.tx.Request("too late", nil); !errors.Is(err, ErrPoisoned) {
		t.Errorf("Request after poison: expected ErrPoisoned, got %v", err)
	}

	a.tx.Close()
	b.wait(t)
}

func TestMaxInflight(t *testing.T) {
	a, b := loopback(t, []Option{WithMaxInflight(1)}, nil)

	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		r.Detach() // park the first caller forever
	})

	first := make(chan error, 1)
	go func() { first <- a.tx.Request("held", nil) }()

	// Wait for the first request to be in flight.
	for i := 0; a.tx.Inflight() == 0; i++ {
		if i > 1000 {
			t.Fatal("first request never became in-flight")
		}
		time.Sleep(time.Millisecond)
	}

	if err := a.tx.Request("overflow", nil); !errors.Is(err, ErrTooManyInflight) {
		t.Fatalf("expected ErrTooManyInflight, got %v", err)
	}

	// Release the parked caller by tearing the channel down.
	b.tx.Close()
	if err := <-first; !errors.Is(err, ErrPoisoned) {
		t.Errorf("parked request: expected ErrPoisoned, got %v", err)
	}

	a.tx.Close()
	a.wait(t)
	b.wait(t)
}

// An oversized outbound payload is rejected before anything hits the wire.
func TestOutboundPayloadCap(t *testing.T) {
	raw := []Option{WithCodec(rawCodec{}), WithMaxPayload(16)}
	a, b := loopback(t, raw, raw)

	if err := a.tx.RPC(make([]byte, 17)); err == nil {
		t.Fatal("oversized RPC accepted")
	}
	// The channel is still healthy.
	if err := a.tx.RPC(make([]byte, 16)); err != nil {
		t.Fatalf("in-bounds RPC failed: %v", err)
	}

	got := make(chan int, 1)
	b.run(func(msg *message.Message) { got <- msg.Len() }, nil)
	if n := <-got; n != 16 {
		t.Errorf("received %d bytes, want 16", n)
	}
	a.tx.Close()
	b.tx.Close()
	b.wait(t)
}

func TestResponderRespondTwice(t *testing.T) {
	a, b := loopback(t, nil, nil)

	secondErr := make(chan error, 1)
	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		if err := r.Respond("once"); err != nil {
			t.Errorf("first respond: %v", err)
		}
		secondErr <- r.Respond("twice")
	})

	var reply string
	if err := a.tx.Request("hello", &reply); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply != "once" {
		t.Errorf("reply %q, want %q", reply, "once")
	}
	if err := <-secondErr; !errors.Is(err, ErrAlreadyResponded) {
		t.Errorf("second respond: expected ErrAlreadyResponded, got %v", err)
	}

	a.tx.Close()
	b.tx.Close()
	b.wait(t)
	a.wait(t)
}

// A CodecError on the response payload is local to the caller; the endpoint
// stays healthy.
func TestResponseDecodeErrorDoesNotPoison(t *testing.T) {
	a, b := loopback(t, nil, nil)

	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		r.Respond("not a number")
	})

	var n int
	err := a.tx.Request("gimme", &n)
	if !errors.Is(err, ErrCodec) {
		t.Fatalf("expected ErrCodec, got %v", err)
	}

	// Still alive: a well-typed request succeeds.
	var s string
	if err := a.tx.Request("again", &s); err != nil {
		t.Fatalf("follow-up request failed: %v", err)
	}

	a.tx.Close()
	b.tx.Close()
	b.wait(t)
	a.wait(t)
}

// A rate-limit middleware that drops a request still wakes the remote caller:
// the loop's no-reply response fires because the handler was never invoked.
func TestMiddlewareDropStillWakesCaller(t *testing.T) {
	a, b := loopback(t, nil, []Option{
		WithMiddleware(middleware.RateLimit(0.0001, 1)),
	})
	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		r.Respond("ok")
	})

	var s string
	if err := a.tx.Request("first", &s); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if s != "ok" {
		t.Errorf("first reply %q, want %q", s, "ok")
	}
	if err := a.tx.Request("second", nil); !errors.Is(err, ErrDroppedResponder) {
		t.Fatalf("second request: expected ErrDroppedResponder, got %v", err)
	}

	a.tx.Close()
	b.tx.Close()
	b.wait(t)
	a.wait(t)
}

func TestRequestAfterCleanEOFFailsWithEOFCause(t *testing.T) {
	a, b := loopback(t, nil, nil)

	a.run(nil, nil)
	b.tx.Close()
	if err := a.wait(t); err != nil {
		t.Fatalf("clean EOF: %v", err)
	}

	err := a.tx.Request("late", nil)
	if !errors.Is(err, ErrPoisoned) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected ErrPoisoned wrapping io.EOF, got %v", err)
	}
	a.tx.Close()
}

func TestRequestIDsUniqueAcrossInflight(t *testing.T) {
	// Indirect check: 100 requests issued back to back from a single
	// goroutine each get their own reply. Only one request is in flight at a
	// time here; concurrent in-flight requests are covered by
	// TestParallelRequestsReordered.
	a, b := loopback(t, nil, nil)
	a.run(nil, nil)
	b.run(nil, func(msg *message.Message, r *Responder) {
		var s string
		msg.Decode(&s)
		r.Respond(s + "!")
	})

	for i := 0; i < 100; i++ {
		var got string
		want := fmt.Sprintf("m%d", i)
		if err := a.tx.Request(want, &got); err != nil {
			t.Fatalf("Request(%s): %v", want, err)
		}
		if got != want+"!" {
			t.Fatalf("Request(%s) returned %q", want, got)
		}
	}

	a.tx.Close()
	b.tx.Close()
	b.wait(t)
	a.wait(t)
}
