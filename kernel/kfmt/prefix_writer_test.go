package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{
			"",
			"",
		},
		{
			"\n",
			"[hal] pit(0.1.0): \n",
		},
		{
			"no newline in this chunk",
			"[hal] pit(0.1.0): no newline in this chunk",
		},
		{
			"initialized\n",
			"[hal] pit(0.1.0): initialized\n",
		},
		{
			"\nirq 0 wired\ndivisor 11931\nticking at 100Hz\nok",
			"[hal] pit(0.1.0): \n[hal] pit(0.1.0): irq 0 wired\n[hal] pit(0.1.0): divisor 11931\n[hal] pit(0.1.0): ticking at 100Hz\n[hal] pit(0.1.0): ok",
		},
	}

	var (
		buf bytes.Buffer
		w   = PrefixWriter{
			Sink:   &buf,
			Prefix: []byte("[hal] pit(0.1.0): "),
		}
	)

	for specIndex, spec := range specs {
		buf.Reset()
		w.bytesAfterPrefix = 0

		wrote, err := w.Write([]byte(spec.input))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if expLen := len(spec.input); expLen != wrote {
			t.Errorf("[spec %d] expected writer to report %d bytes; reported %d", specIndex, expLen, wrote)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestPrefixWriterSplitLine(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{
			Sink:   &buf,
			Prefix: []byte("[hal] kbd(0.1.0): "),
		}
	)

	for _, chunk := range []string{"scanning ", "ports", "\n"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}

	if exp, got := "[hal] kbd(0.1.0): scanning ports\n", buf.String(); exp != got {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}

func TestPrefixWriterErrors(t *testing.T) {
	specs := []string{
		"no newline in this chunk",
		"\nirq 0 wired\ndivisor 11931\nticking at 100Hz\nok",
	}

	var (
		expErr = errors.New("write failed")
		w      = PrefixWriter{
			Sink:   failingWriter{expErr},
			Prefix: []byte("[hal] pit(0.1.0): "),
		}
	)

	for specIndex, spec := range specs {
		w.bytesAfterPrefix = 0
		_, err := w.Write([]byte(spec))
		if err != expErr {
			t.Errorf("[spec %d] expected error: %v; got %v", specIndex, expErr, err)
		}
	}
}

type failingWriter struct {
	err error
}

func (w failingWriter) Write(_ []byte) (int, error) {
	return 0, w.err
}
