package status

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/onionbalance-manager/internal/instance"
	"github.com/opd-ai/onionbalance-manager/internal/obslog"
)

type fakeModel struct {
	services []ServiceView
}

func (f *fakeModel) Services() []ServiceView { return f.services }

func testLogger() *obslog.Logger {
	return obslog.New(obslog.LevelCritical+100, io.Discard)
}

func TestAcceptOnceWritesSnapshotGrammar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	published := instance.New("abcdefghijklmnop")
	published.UpdateDescriptor(now, []instance.IntroductionPoint{{Identifier: "a"}, {Identifier: "b"}}, now)
	published.ApplyHealthResult(true, now, 150*time.Millisecond)

	unpublished := instance.New("qrstuvwxyz123456")

	model := &fakeModel{services: []ServiceView{
		{Address: "frontaddress1234", LastUpload: now, Instances: []*instance.Instance{published, unpublished}},
	}}

	srv, err := Listen(path, model, testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	done := make(chan string, 1)
	go func() {
		conn, err := net.Dial("unix", path)
		if err != nil {
			done <- ""
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(bufio.NewReader(conn))
		done <- string(data)
	}()

	srv.AcceptOnce()

	select {
	case out := <-done:
		if !strings.Contains(out, "frontaddress1234.onion") {
			t.Errorf("expected front service address in output, got:\n%s", out)
		}
		if !strings.Contains(out, "published:   2026-03-01 12:00:00 2 ips") {
			t.Errorf("expected published line with timestamp and count, got:\n%s", out)
		}
		if !strings.Contains(out, "health:      [ up ]") {
			t.Errorf("expected health up line, got:\n%s", out)
		}
		if !strings.Contains(out, "published:   [not published]") {
			t.Errorf("expected not-published line for the unpublished instance, got:\n%s", out)
		}
		if !strings.HasSuffix(out, "\n\n") {
			t.Errorf("expected the last service's block to end with a trailing blank line, got:\n%q", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for status socket response")
	}
}

func TestAcceptOnceTimesOutWithoutConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")
	model := &fakeModel{}
	srv, err := Listen(path, model, testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	start := time.Now()
	srv.AcceptOnce()
	if time.Since(start) > 2*time.Second {
		t.Errorf("AcceptOnce should return promptly after its bounded timeout")
	}
}
