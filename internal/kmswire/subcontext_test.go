package kmswire

import (
	"errors"
	"testing"

	"github.com/axonops/fle-core/internal/endpoint"
	"github.com/axonops/fle-core/internal/kek"
)

// echoCodec is a test Codec whose response completes once four bytes have
// arrived, yielding those four bytes as the plaintext; with fail set, any
// non-empty response is reported as a KMS failure.
type echoCodec struct{ fail bool }

func (echoCodec) Endpoint(d *kek.Descriptor) (endpoint.HostPort, error) {
	return endpoint.HostPort{Host: "kms.test", Port: 443}, nil
}

func (c echoCodec) BuildUnwrapRequest(_ *kek.Descriptor, wrapped []byte) ([]byte, error) {
	return append([]byte("req:"), wrapped...), nil
}

func (c echoCodec) ParseUnwrapResponse(_ *kek.Descriptor, buf []byte) ([]byte, bool, error) {
	if c.fail && len(buf) > 0 {
		return nil, false, errors.New("simulated kms failure")
	}
	const want = "done"
	if len(buf) < len(want) {
		return nil, true, nil
	}
	return buf[:len(want)], false, nil
}

func TestSubcontextLifecycle(t *testing.T) {
	d := &kek.Descriptor{Provider: kek.Local}
	sc, err := New(echoCodec{}, d, []byte("wrapped"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ep, err := sc.Endpoint()
	if err != nil || ep.Host != "kms.test" {
		t.Fatalf("Endpoint() = %v, %v", ep, err)
	}

	msg := sc.Message()
	if string(msg) != "req:wrapped" {
		t.Fatalf("Message() = %q", msg)
	}
	if sc.Message() != nil {
		t.Fatal("Message() should be empty on second call")
	}

	if sc.BytesNeeded() != BytesNeededUnknown {
		t.Fatalf("BytesNeeded() = %d before feeding", sc.BytesNeeded())
	}

	if err := sc.Feed([]byte("do")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if sc.Complete() {
		t.Fatal("should not be complete yet")
	}

	if err := sc.Feed([]byte("ne")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !sc.Complete() {
		t.Fatal("should be complete")
	}
	if sc.BytesNeeded() != 0 {
		t.Fatalf("BytesNeeded() = %d after completion", sc.BytesNeeded())
	}

	plaintext, err := sc.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if string(plaintext) != "done" {
		t.Fatalf("Result() = %q", plaintext)
	}
}

func TestSubcontextFeedFailure(t *testing.T) {
	d := &kek.Descriptor{Provider: kek.Local}
	sc, err := New(echoCodec{fail: true}, d, []byte("wrapped"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sc.Message()
	if err := sc.Feed([]byte("x")); err == nil {
		t.Fatal("expected Feed to report kms error")
	}
	if sc.Status().IsOK() {
		t.Fatal("status should not be ok")
	}
	if _, err := sc.Result(); err == nil {
		t.Fatal("Result should fail after a failed parse")
	}
}

func TestSubcontextFail(t *testing.T) {
	d := &kek.Descriptor{Provider: kek.Local}
	sc, err := New(echoCodec{}, d, []byte("wrapped"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sc.Fail("connection reset")
	if !sc.Complete() {
		t.Fatal("Fail should mark complete")
	}
	if sc.Status().IsOK() {
		t.Fatal("status should not be ok after Fail")
	}
}
