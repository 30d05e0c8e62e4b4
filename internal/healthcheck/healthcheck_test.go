package healthcheck

import (
	"testing"
	"time"
)

func TestCheckNoneIsUnconditionallyHealthy(t *testing.T) {
	p := New("127.0.0.1:9050", 4)
	p.Submit(Request{OnionAddress: "abcdefghijklmnop", Config: Config{Type: CheckNone}})

	select {
	case res := <-p.Results():
		if !res.Healthy {
			t.Errorf("expected type=none to always report healthy")
		}
		if res.OnionAddress != "abcdefghijklmnop" {
			t.Errorf("unexpected onion address in result: %q", res.OnionAddress)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a result")
	}
}

func TestCheckEmptyTypeTreatedAsNone(t *testing.T) {
	p := New("127.0.0.1:9050", 4)
	p.Submit(Request{OnionAddress: "abcdefghijklmnop", Config: Config{}})

	select {
	case res := <-p.Results():
		if !res.Healthy {
			t.Errorf("expected empty type to behave like none")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a result")
	}
}

func TestSubmitDoesNotBlockCaller(t *testing.T) {
	p := New("127.0.0.1:9050", 1)
	done := make(chan struct{})
	go func() {
		// Submitting more probes than the queue size must not deadlock the
		// submitter, since each probe posts from its own goroutine.
		for i := 0; i < 5; i++ {
			p.Submit(Request{OnionAddress: "abcdefghijklmnop", Config: Config{Type: CheckNone}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit calls should not block the caller")
	}

	// Drain results so goroutines don't leak past the test.
	for i := 0; i < 5; i++ {
		<-p.Results()
	}
}
