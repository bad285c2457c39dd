package xerrors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew_CarriesStack(t *testing.T) {
	err := New("boom")
	if err == nil {
		t.Fatal("New returned nil")
	}
	if err.Error() != "boom" {
		t.Errorf("Error() = %q, want boom", err.Error())
	}

	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("New should capture a stack")
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
	if WithStack(nil) != nil {
		t.Error("WithStack(nil) should be nil")
	}
	if EnsureTrace(nil) != nil {
		t.Error("EnsureTrace(nil) should be nil")
	}
}

func TestWrap_MessageAndUnwrap(t *testing.T) {
	base := errors.New("base")
	err := Wrap(base, "while registering")

	if !strings.HasPrefix(err.Error(), "while registering: ") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should unwrap to base")
	}

	type hasPC interface{ PC() uintptr }
	var hp hasPC
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Error("Wrap should record the caller PC")
	}
}

func TestEnsureTrace_NoDoubleStack(t *testing.T) {
	err := New("boom")
	again := EnsureTrace(err)
	if again != err {
		t.Error("EnsureTrace should not re-wrap an error that already has a stack")
	}

	plain := errors.New("plain")
	traced := EnsureTrace(plain)
	if traced == plain {
		t.Error("EnsureTrace should wrap a stackless error")
	}
	if !errors.Is(traced, plain) {
		t.Error("traced error should unwrap to the original")
	}
}
