package cache

import (
	"context"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	// crc32.ChecksumIEEE("hello") = 907060870
	if got := Key("hello"); got != "907060870" {
		t.Errorf("Key(hello) = %q, want 907060870", got)
	}
	if Key("https://api.example/a") == Key("https://api.example/b") {
		t.Error("Key() collided for different URLs")
	}
}

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves them.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	if err := c.Set(ctx, "k", []byte(`{"a":1}`), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got) != `{"a":1}` {
		t.Errorf("Get() = %s, want {\"a\":1}", got)
	}

	// callers cannot mutate the stored payload
	got[0] = 'X'
	again, _, _ := c.Get(ctx, "k")
	if string(again) != `{"a":1}` {
		t.Errorf("stored payload mutated: %s", again)
	}
}

func TestInMemoryCache_Get_Miss(t *testing.T) {
	c := NewInMemoryCache()
	_, ok, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	_ = c.Set(ctx, "forever", []byte("v"), 0)
	now = now.Add(2 * time.Minute)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if _, exists := c.data["k"]; exists {
		t.Error("expired entry should be deleted on access")
	}
	if _, ok, _ := c.Get(ctx, "forever"); !ok {
		t.Error("entry with ttl 0 should not expire")
	}
}

func TestInMemoryCache_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewInMemoryCache()
	if err := c.Set(ctx, "k", []byte("v"), 0); err == nil {
		t.Error("Set() with canceled ctx error = nil")
	}
	if _, _, err := c.Get(ctx, "k"); err == nil {
		t.Error("Get() with canceled ctx error = nil")
	}
}

func TestFileCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := NewFileCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileCache() error = %v", err)
	}

	if _, ok, err := c.Get(ctx, Key("u")); ok || err != nil {
		t.Fatalf("Get() before Set = ok %v err %v, want miss", ok, err)
	}
	if err := c.Set(ctx, Key("u"), []byte(`{"x":true}`), time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, Key("u"))
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v err %v, want hit", ok, err)
	}
	if string(got) != `{"x":true}` {
		t.Errorf("Get() = %s", got)
	}
}

func TestFileCache_MaxAge(t *testing.T) {
	ctx := context.Background()
	c, err := NewFileCache(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("NewFileCache() error = %v", err)
	}
	_ = c.Set(ctx, "k", []byte("v"), 0)

	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("Get() right after Set should hit")
	}
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() past maxAge should miss")
	}
}

func TestNewFileCache_EmptyDir(t *testing.T) {
	if _, err := NewFileCache("", 0); err == nil {
		t.Error("NewFileCache(\"\") error = nil, want error")
	}
}

func TestExpiration(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int32
	}{
		{0, 0},
		{-time.Second, 0},
		{90 * time.Second, 90},
		{31 * 24 * time.Hour, maxRelativeExp},
	}
	for _, tt := range tests {
		if got := expiration(tt.ttl); got != tt.want {
			t.Errorf("expiration(%s) = %d, want %d", tt.ttl, got, tt.want)
		}
	}
}

func TestParseAddrs(t *testing.T) {
	got := parseAddrs(" a:1 , ,b:2")
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Errorf("parseAddrs() = %v", got)
	}
}
