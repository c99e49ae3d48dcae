package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_DisabledIsNil(t *testing.T) {
	l := New(Config{})
	if l != nil {
		t.Fatalf("New(empty) = %v, want nil", l)
	}
	if d := l.AllowRequest("c1", time.Now()); !d.Allowed {
		t.Fatalf("nil limiter denied a request")
	}
	d := l.AcquireStream("c1", time.Now())
	if !d.Allowed || d.Permit == nil {
		t.Fatalf("nil limiter denied a stream")
	}
	d.Permit.Release()
}

func TestAllowRequest_TokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Now()

	for i := 0; i < 2; i++ {
		if d := l.AllowRequest("c1", now); !d.Allowed {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	d := l.AllowRequest("c1", now)
	if d.Allowed {
		t.Fatalf("third request allowed past burst")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("RetryAfter = %d, want 1", d.RetryAfter)
	}

	if d := l.AllowRequest("c2", now); !d.Allowed {
		t.Fatalf("other client denied")
	}
	if d := l.AllowRequest("c1", now.Add(time.Second)); !d.Allowed {
		t.Fatalf("request denied after refill")
	}
}

func TestAcquireStream_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentStreams: 1})
	now := time.Now()

	first := l.AcquireStream("c1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}
	if second := l.AcquireStream("c1", now); second.Allowed {
		t.Fatalf("second should be denied")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireStream("c1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
	if again := l.AcquireStream("c1", now); again.Allowed {
		t.Fatalf("double release freed an extra slot")
	}
}

func TestGC_KeepsClientsHoldingStreams(t *testing.T) {
	l := New(Config{MaxConcurrentStreams: 1, MaxEntries: 1, EntryTTL: time.Minute})
	now := time.Now()

	held := l.AcquireStream("c1", now)
	if !held.Allowed {
		t.Fatalf("c1 denied")
	}
	if d := l.AcquireStream("c2", now.Add(time.Hour)); !d.Allowed {
		t.Fatalf("c2 denied")
	}
	if d := l.AcquireStream("c1", now.Add(time.Hour)); d.Allowed {
		t.Fatalf("c1 slot was lost to eviction")
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/gemini", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	if got := ClientKey(r); got != "203.0.113.7" {
		t.Fatalf("ClientKey = %q", got)
	}
	r.RemoteAddr = "pipe"
	if got := ClientKey(r); got != "pipe" {
		t.Fatalf("ClientKey = %q", got)
	}
	r.RemoteAddr = ""
	if got := ClientKey(r); got != "anonymous" {
		t.Fatalf("ClientKey = %q", got)
	}
}
