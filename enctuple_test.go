package ckv

import (
	"encoding/hex"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestTuple(t *testing.T) {
	l1024 := longhex(1024)
	tests := []struct {
		input    string
		expected string
	}{
		{"", "01"},
		{"4241", "424101"},
		{l1024, l1024 + "01"},
		{"4241|393837", "42413938370202"},
		{"1122|334455|66778899", "112233445566778899020303"},
		{l1024 + "|" + l1024, l1024 + l1024 + "088002"},
		{"|", "0002"},
		{"||", "000003"},
	}
	for _, tt := range tests {
		src := parseTupleString(tt.input)
		if src.String() != tt.input {
			t.Errorf("** parseTupleString(%q).String() does not round-trip", tt.input)
			continue
		}

		encoded := src.encode(nil)
		encodedStr := hex.EncodeToString(encoded)
		if encodedStr != tt.expected {
			t.Errorf("** tuple(%q).encode() = %q, wanted %q", tt.input, encodedStr, tt.expected)
		} else {
			decoded := must(decodeTuple(encoded))
			if !decoded.Equal(src) {
				t.Errorf("** decodeTuple(%q) = %s, wanted %s", encodedStr, decoded.String(), tt.input)
			}
		}
	}
}

func TestIdentity_Encoding(t *testing.T) {
	tests := []Identity{
		{"users", "a"},
		{"", ""},
		{"", "key"},
		{"coll", ""},
		{"with|pipe", "and\x00zero"},
		{strings.Repeat("c", 300), strings.Repeat("k", 70000)},
	}
	for _, id := range tests {
		raw := encodeIdentity([]byte{0xEE}, id)[1:]
		decoded, err := decodeIdentity(raw)
		if err != nil {
			t.Errorf("** decodeIdentity(%q) failed: %v", id.String(), err)
		} else if !reflect.DeepEqual(decoded, id) {
			t.Errorf("** decodeIdentity = %q, wanted %q", decoded.String(), id.String())
		}
	}
}

func TestIdentity_DecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"one element", tuple{[]byte("a")}.encode(nil)},
		{"three elements", tuple{[]byte("a"), []byte("b"), []byte("c")}.encode(nil)},
		{"lens exceed data", []byte{'a', 0x09, 0x02}},
		{"bad ruvarint", []byte{0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeIdentity(tt.raw)
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("decodeIdentity(%x) = %v, wanted ErrCorrupt", tt.raw, err)
			}
		})
	}
}

func parseTupleString(s string) tuple {
	els := strings.Split(s, "|")
	tup := make(tuple, len(els))
	for i, el := range els {
		tup[i] = must(hex.DecodeString(el))
	}
	return tup
}

func longhex(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return hex.EncodeToString(b)
}
