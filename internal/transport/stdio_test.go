package transport

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRunDispatchesEachLine(t *testing.T) {
	in := strings.NewReader("one\ntwo\nthree\n")
	var out bytes.Buffer

	var seen []string
	s := New(in, &out)
	err := s.Run(context.Background(), func(ctx context.Context, line []byte) []byte {
		seen = append(seen, string(line))
		return append([]byte("echo:"), line...)
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(seen) != 3 || seen[0] != "one" || seen[2] != "three" {
		t.Errorf("seen = %v", seen)
	}
	want := "echo:one\necho:two\necho:three\n"
	if out.String() != want {
		t.Errorf("out = %q, want %q", out.String(), want)
	}
}

func TestRunSkipsWriteOnNilResponse(t *testing.T) {
	in := strings.NewReader("notify\n")
	var out bytes.Buffer

	s := New(in, &out)
	err := s.Run(context.Background(), func(ctx context.Context, line []byte) []byte {
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
}

func TestRunEOFIsCleanShutdown(t *testing.T) {
	in := strings.NewReader("")
	var out bytes.Buffer
	s := New(in, &out)
	if err := s.Run(context.Background(), func(ctx context.Context, line []byte) []byte { return nil }); err != nil {
		t.Fatalf("expected clean shutdown on EOF, got %v", err)
	}
}

func TestRunToleratesLineBeyondProtocolCap(t *testing.T) {
	// 1.5MB exceeds §4.8's 1 MiB protocol cap (enforced by rpc.DecodeMessage)
	// but must still reach the handler as a line — the scanner itself must
	// not fail it, or the graceful invalid_request path is unreachable.
	big := strings.Repeat("a", 1500000)
	in := strings.NewReader(big + "\n")
	var out bytes.Buffer

	var seenLen int
	err := New(in, &out).Run(context.Background(), func(ctx context.Context, line []byte) []byte {
		seenLen = len(line)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error on oversized-but-within-headroom line: %v", err)
	}
	if seenLen != len(big) {
		t.Errorf("handler saw %d bytes, want %d", seenLen, len(big))
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	in := strings.NewReader("one\ntwo\nthree\n")
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := New(in, &out).Run(ctx, func(ctx context.Context, line []byte) []byte {
		calls++
		if calls == 1 {
			cancel()
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call before cancellation observed, got %d", calls)
	}
}
