package idxdb

import (
	"log/slog"
	"testing"
)

func TestRpad(t *testing.T) {
	if got := rpad("abc", 5, '.'); got != "abc.." {
		t.Fatalf("rpad = %q, wanted %q", got, "abc..")
	}
	if got := rpad("abc", 1, '.'); got != "abc" {
		t.Fatalf("rpad = %q, wanted %q", got, "abc")
	}
}

func TestHexHelpers(t *testing.T) {
	if got := hexstr(nil); got != "<nil>" {
		t.Fatalf("hexstr(nil) = %q, wanted <nil>", got)
	}
	if got := hexstr([]byte{}); got != "<empty>" {
		t.Fatalf("hexstr(empty) = %q, wanted <empty>", got)
	}
	if got := hexstr([]byte{0xAB, 0x01}); got != "ab01" {
		t.Fatalf("hexstr = %q, wanted ab01", got)
	}
	a := hexAttr("key", []byte{0x01})
	if a.Key != "key" || a.Value.Kind() != slog.KindString || a.Value.String() != "01" {
		t.Fatalf("hexAttr = %v, wanted key=01", a)
	}
}

func TestPrintableKey(t *testing.T) {
	if got := printableKey([]byte("abc")); got != `"abc"` {
		t.Fatalf("printableKey = %s, wanted \"abc\"", got)
	}
	if got := printableKey([]byte{0, 1}); got != "0001" {
		t.Fatalf("printableKey = %s, wanted 0001", got)
	}
}

func TestMustEnsure(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("ensure did not panic")
		}
	}()
	deepEqual(t, must(42, nil), 42)
	ensure(nil)
	ensure(ErrNotFound)
}
