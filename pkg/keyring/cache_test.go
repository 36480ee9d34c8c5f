package keyring

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingProvider struct {
	calls atomic.Int32
	value string
	err   error
}

func (p *countingProvider) Passphrase(context.Context) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return p.value, nil
}

func TestCacheMemoizes(t *testing.T) {
	p := &countingProvider{value: "hunter2"}
	c := NewCache(p, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		got, err := c.Passphrase(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != "hunter2" {
			t.Fatalf("passphrase = %q", got)
		}
	}
	if n := p.calls.Load(); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
}

func TestCacheExpiresAndRefetches(t *testing.T) {
	p := &countingProvider{value: "first"}
	c := NewCache(p, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := c.Passphrase(ctx); err != nil {
		t.Fatal(err)
	}
	p.value = "second"
	time.Sleep(20 * time.Millisecond)

	got, err := c.Passphrase(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Fatalf("passphrase after expiry = %q, want second", got)
	}
	if n := p.calls.Load(); n != 2 {
		t.Fatalf("provider called %d times, want 2", n)
	}
}

func TestCacheSingleFetchUnderContention(t *testing.T) {
	p := &countingProvider{value: "shared"}
	c := NewCache(p, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Passphrase(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := p.calls.Load(); n != 1 {
		t.Fatalf("provider called %d times under contention, want 1", n)
	}
}

func TestCacheStop(t *testing.T) {
	p := &countingProvider{value: "gone"}
	c := NewCache(p, time.Hour)
	if _, err := c.Passphrase(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	if _, err := c.Passphrase(context.Background()); err != ErrProviderUnavailable {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestEnvProviderRequiresValue(t *testing.T) {
	if _, err := newEnvProvider(""); err != ErrNoPassphrase {
		t.Fatalf("err = %v, want ErrNoPassphrase", err)
	}
	p, err := newEnvProvider("secret")
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Passphrase(context.Background())
	if err != nil || got != "secret" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestNewUnknownSource(t *testing.T) {
	if _, err := New(context.Background(), "gcp", ""); err == nil {
		t.Fatal("unknown source accepted")
	}
}
