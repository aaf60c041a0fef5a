package api

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if !rl.allow("10.0.0.1") || !rl.allow("10.0.0.1") {
		t.Fatal("burst should admit two requests")
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("third request inside the same second should be limited")
	}
	if !rl.allow("10.0.0.2") {
		t.Fatal("limits are per ip")
	}

	now = now.Add(time.Second)
	if !rl.allow("10.0.0.1") {
		t.Fatal("a token should refill after one second")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.allow("10.0.0.1")
	now = now.Add(11 * time.Minute)
	rl.allow("10.0.0.2")
	rl.cleanup()

	if _, ok := rl.visitors["10.0.0.1"]; ok {
		t.Error("stale visitor should be dropped")
	}
	if _, ok := rl.visitors["10.0.0.2"]; !ok {
		t.Error("recent visitor should be kept")
	}
}

func TestOwnerFromToken(t *testing.T) {
	secret := []byte("k")
	token, err := SignOwnerToken("alice", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer " + token, "alice", false},
		{"no scheme", token, "", true},
		{"empty", "", "", true},
		{"garbage", "Bearer abc.def.ghi", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ownerFromToken(tt.header, secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("owner = %q, want %q", got, tt.want)
			}
		})
	}
}
