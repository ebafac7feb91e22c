package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesLines(t *testing.T) {
	var lines []string
	res, err := Run(context.Background(), "sh", []string{"-c", "echo one; echo two"}, Opts{
		StdoutSink: func(line string) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if got, want := strings.Join(lines, "|"), "one|two"; got != want {
		t.Fatalf("lines = %q, want %q", got, want)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "exit 3"}, Opts{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunExpectSuccessWrapsNonZero(t *testing.T) {
	err := RunExpectSuccess(context.Background(), "sh", []string{"-c", "exit 1"}, Opts{})
	if err == nil {
		t.Fatal("expected an error for nonzero exit")
	}
	var nz *NonZeroError
	if !asNonZero(err, &nz) {
		t.Fatalf("error = %v, want *NonZeroError", err)
	}
	if nz.Code != 1 {
		t.Fatalf("code = %d, want 1", nz.Code)
	}
}

func asNonZero(err error, target **NonZeroError) bool {
	if e, ok := err.(*NonZeroError); ok {
		*target = e
		return true
	}
	return false
}

func TestRunTimeout(t *testing.T) {
	_, err := Run(context.Background(), "sh", []string{"-c", "sleep 5"}, Opts{
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("error = %v (%T), want *TimeoutError", err, err)
	}
}

func TestRunSpawnMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), "nixpkgsreview-does-not-exist", nil, Opts{})
	if err == nil {
		t.Fatal("expected a spawn error")
	}
	if _, ok := err.(*SpawnError); !ok {
		t.Fatalf("error = %v (%T), want *SpawnError", err, err)
	}
}
