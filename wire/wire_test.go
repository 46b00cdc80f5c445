package wire_test

import (
	"testing"

	"github.com/rowstream/cdc/wire"
)

func TestLenEncInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want uint64
	}{
		{"direct", []byte{250}, 250},
		{"2-byte", []byte{0xfc, 0x34, 0x12}, 0x1234},
		{"3-byte", []byte{0xfd, 0x01, 0x02, 0x03}, 0x030201},
		{"8-byte", []byte{0xfe, 0, 0, 0, 0, 0, 0, 0, 1}, 1 << 56},
		{"zero", []byte{0x00}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := wire.NewReader(tt.in)
			got, err := r.LenEncInt()
			if err != nil {
				t.Fatalf("LenEncInt: %v", err)
			}
			if got != tt.want {
				t.Fatalf("LenEncInt = %d, want %d", got, tt.want)
			}
			if r.Len() != 0 {
				t.Fatalf("expected buffer fully consumed, %d bytes left", r.Len())
			}
		})
	}
}

func TestLenEncIntRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []uint64{0, 250, 251, 65_535, 16_777_215, 1<<63 - 1} {
		buf := wire.PutLenEncInt(nil, n)
		got, err := wire.NewReader(buf).LenEncInt()
		if err != nil {
			t.Fatalf("LenEncInt(%d): %v", n, err)
		}
		if got != n {
			t.Fatalf("round trip %d -> %d", n, got)
		}
	}
}

func TestLenEncIntReservedMarker(t *testing.T) {
	t.Parallel()
	_, err := wire.NewReader([]byte{0xff}).LenEncInt()
	if err == nil {
		t.Fatal("expected error for 0xFF marker")
	}
}

func TestNulString(t *testing.T) {
	t.Parallel()
	r := wire.NewReader([]byte("hello\x00world"))
	s, err := r.NulString()
	if err != nil {
		t.Fatalf("NulString: %v", err)
	}
	if string(s) != "hello" {
		t.Fatalf("NulString = %q, want hello", s)
	}
	rest, err := r.FixedString(5)
	if err != nil {
		t.Fatalf("FixedString: %v", err)
	}
	if rest != "world" {
		t.Fatalf("FixedString = %q, want world", rest)
	}
}

func TestIntLESignExtension(t *testing.T) {
	t.Parallel()
	r := wire.NewReader([]byte{0xff})
	v, err := r.IntLE(1)
	if err != nil {
		t.Fatalf("IntLE: %v", err)
	}
	if v != -1 {
		t.Fatalf("IntLE(1) of 0xff = %d, want -1", v)
	}
}

func TestShortBuffer(t *testing.T) {
	t.Parallel()
	_, err := wire.NewReader([]byte{0x01}).U32()
	if err == nil {
		t.Fatal("expected short buffer error")
	}
}
