package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

var algorithms = []Algorithm{SHA256, BLAKE2b, BLAKE3}

func TestHasher_ChunkBoundaryIndependence(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			whole, err := Sum(alg, data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			for _, step := range []int{1, 7, 512, 4096, 65535} {
				x, err := New(alg)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				for off := 0; off < len(data); off += step {
					end := off + step
					if end > len(data) {
						end = len(data)
					}
					x.Update(data[off:end])
				}
				if got := x.Digest(); got != whole {
					t.Errorf("step %d: digest %s, want %s", step, got, whole)
				}
				if x.Size() != int64(len(data)) {
					t.Errorf("step %d: size %d, want %d", step, x.Size(), len(data))
				}
			}
		})
	}
}

func TestHasher_DigestDoesNotReset(t *testing.T) {
	x, _ := New(SHA256)
	x.Update([]byte("hello "))
	first := x.Digest()
	if again := x.Digest(); again != first {
		t.Errorf("repeated Digest changed: %s vs %s", first, again)
	}
	x.Update([]byte("world"))

	want := sha256.Sum256([]byte("hello world"))
	if got := x.Digest().Hex(); got != hex.EncodeToString(want[:]) {
		t.Errorf("expected %x, got %s", want, got)
	}
}

func TestHasher_DistinctContent(t *testing.T) {
	for _, alg := range algorithms {
		a, _ := Sum(alg, []byte("a"))
		b, _ := Sum(alg, []byte("b"))
		if a == b {
			t.Errorf("%s: distinct inputs produced the same fingerprint", alg)
		}
		if !strings.HasPrefix(string(a), string(alg)+":") {
			t.Errorf("%s: fingerprint %q lacks algorithm prefix", alg, a)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		input   string
		want    Algorithm
		wantErr bool
	}{
		{"", SHA256, false},
		{"SHA256", SHA256, false},
		{" blake3 ", BLAKE3, false},
		{"blake2b", BLAKE2b, false},
		{"md5", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAlgorithm(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFingerprint_Short(t *testing.T) {
	f := Fingerprint("sha256:abcdef0123")
	if f.Short(4) != "abcd" {
		t.Errorf("expected abcd, got %s", f.Short(4))
	}
	if f.Short(100) != "abcdef0123" {
		t.Errorf("expected full hex, got %s", f.Short(100))
	}
}
