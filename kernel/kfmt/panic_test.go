package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/keitagame/romanticos/kernel"
)

func TestPanic(t *testing.T) {
	origHaltFn := haltFn
	defer func() {
		haltFn = origHaltFn
		outputSink = nil
	}()

	var haltCalled bool
	haltFn = func(_ *kernel.Error) {
		haltCalled = true
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	t.Run("with *kernel.Error", func(t *testing.T) {
		haltCalled = false
		buf.Reset()
		err := &kernel.Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected the halt hook to be called by Panic")
		}
	})

	t.Run("with error", func(t *testing.T) {
		haltCalled = false
		buf.Reset()
		err := errors.New("go error")

		Panic(err)

		exp := "\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected the halt hook to be called by Panic")
		}
	})

	t.Run("with string", func(t *testing.T) {
		haltCalled = false
		buf.Reset()

		Panic("string error")

		exp := "\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected the halt hook to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		haltCalled = false
		buf.Reset()

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected the halt hook to be called by Panic")
		}
	})
}
