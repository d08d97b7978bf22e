package debugcon_test

import (
	"bytes"
	"testing"

	"github.com/vlah02/miniHypervisor/debugcon"
)

func TestOutShuttlesBytes(t *testing.T) {
	var buf bytes.Buffer

	d := debugcon.New(&buf)

	for _, b := range []byte("hi\n") {
		if err := d.Out(debugcon.Port, []byte{b}); err != nil {
			t.Fatalf("Out: got %v, want nil", err)
		}
	}

	if got := buf.String(); got != "hi\n" {
		t.Errorf("channel: got %q, want %q", got, "hi\n")
	}
}

func TestInReadsOneByte(t *testing.T) {
	buf := bytes.NewBufferString("xy")

	d := debugcon.New(buf)

	b := []byte{0}
	if err := d.In(debugcon.Port, b); err != nil {
		t.Fatalf("In: got %v, want nil", err)
	}

	if b[0] != 'x' {
		t.Errorf("In: got %q, want %q", b[0], byte('x'))
	}

	if err := d.In(debugcon.Port, b); err != nil || b[0] != 'y' {
		t.Errorf("In: got (%q, %v), want (%q, nil)", b[0], err, byte('y'))
	}
}
