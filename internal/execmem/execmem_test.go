package execmem

import "testing"

func TestWriteThenLockThenWriteFails(t *testing.T) {
	p, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Write([]byte{0xC3}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := p.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	err = p.Write([]byte{0x90})
	if err == nil {
		t.Fatalf("expected a write after lock to fail")
	}
	if _, ok := err.(*ErrWriteToLocked); !ok {
		t.Fatalf("expected *ErrWriteToLocked, got %T", err)
	}
}

func TestAddrIsNonZeroAfterAllocation(t *testing.T) {
	p, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	if p.Addr() == 0 {
		t.Fatalf("expected a non-zero page address")
	}
}

func TestCodeTooLargeForPage(t *testing.T) {
	p, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	huge := make([]byte, 1<<20)
	if err := p.Write(huge); err == nil {
		t.Fatalf("expected an error writing more bytes than the page holds")
	}
}
