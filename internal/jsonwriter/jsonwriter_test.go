package jsonwriter

import (
	"math"
	"testing"
)

func TestWriteEmptyObject(t *testing.T) {
	w := New()
	w.WriteOpenObj()
	w.WriteCloseObj()
	if got := w.String(); got != "{}" {
		t.Fatalf("got %q, want {}", got)
	}
}

func TestWriteInvalidFloat(t *testing.T) {
	w := New()
	if err := w.WriteFloat64(math.Inf(1)); err == nil {
		t.Fatal("WriteFloat64(+Inf) returned nil error")
	}
	if err := w.WriteFloat64(math.NaN()); err == nil {
		t.Fatal("WriteFloat64(NaN) returned nil error")
	}
}

func TestWriteKeyEscapesQuotes(t *testing.T) {
	w := WithCapacity(128)
	if err := w.WriteKey(`va"lue`); err != nil {
		t.Fatalf("WriteKey: %v", err)
	}
	if got, want := w.String(), `"va\"lue":`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteSingleValueMessage(t *testing.T) {
	w := WithCapacity(128)
	w.WriteOpenObj()
	must(t, w.WriteKey("time"))
	must(t, w.WriteStr("2013-06-22T17:03:14.123+02:00"))
	w.WriteSeparator()
	must(t, w.WriteKey("temperature"))
	must(t, w.WriteFloat64(128))
	w.WriteCloseObj()

	want := `{"time":"2013-06-22T17:03:14.123+02:00","temperature":128}`
	if got := w.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteNestedObject(t *testing.T) {
	w := WithCapacity(128)
	w.WriteOpenObj()
	must(t, w.WriteKey("location"))
	w.WriteOpenObj()
	must(t, w.WriteKey("altitude"))
	must(t, w.WriteFloat64(1028))
	w.WriteSeparator()
	must(t, w.WriteKey("longitude"))
	must(t, w.WriteFloat64(1288))
	w.WriteCloseObj()
	w.WriteCloseObj()

	want := `{"location":{"altitude":1028,"longitude":1288}}`
	if got := w.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
