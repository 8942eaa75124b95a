package der

import (
	"bytes"
	"testing"
)

func TestIntegerZero(t *testing.T) {
	got, err := Integer([]byte{0x00})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x02, 0x01, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x want % x", got, want)
	}
}

func TestIntegerHighBit(t *testing.T) {
	got, err := IntegerFromInt(128)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x02, 0x02, 0x00, 0x80}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x want % x", got, want)
	}
}

func TestIntegerNegativeRejected(t *testing.T) {
	if _, err := IntegerFromInt(-1); err != ErrNegativeInteger {
		t.Errorf("expected ErrNegativeInteger, got %v", err)
	}
}

func TestLongFormLength(t *testing.T) {
	body := bytes.Repeat([]byte{0x01}, 200)
	got := OctetString(body)
	if got[0] != 0x04 {
		t.Fatalf("unexpected tag %x", got[0])
	}
	if got[1] != 0x81 {
		t.Fatalf("expected long-form length byte 0x81, got %x", got[1])
	}
	if got[2] != 200 {
		t.Fatalf("expected length 200, got %d", got[2])
	}
}

func TestMustStapleExtensionValue(t *testing.T) {
	five, err := IntegerFromInt(5)
	if err != nil {
		t.Fatal(err)
	}
	got := Sequence(five)
	want := []byte{0x30, 0x03, 0x02, 0x01, 0x05}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x want % x", got, want)
	}
}
