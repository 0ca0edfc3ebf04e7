package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
)

func TestListeners_NoEnvironment(t *testing.T) {
	// Ensure env vars are not set
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}

	if listeners != nil {
		t.Errorf("expected nil listeners when no env vars set, got %v", listeners)
	}
}

func TestListeners_WrongPID(t *testing.T) {
	// Set env vars for a different process
	_ = os.Setenv("LISTEN_PID", "99999")
	_ = os.Setenv("LISTEN_FDS", "1")
	defer func() {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
	}()

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}

	if listeners != nil {
		t.Errorf("expected nil listeners when PID doesn't match, got %v", listeners)
	}
}

func TestListeners_InvalidPID(t *testing.T) {
	_ = os.Setenv("LISTEN_PID", "not-a-number")
	_ = os.Setenv("LISTEN_FDS", "1")
	defer func() {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
	}()

	_, err := Listeners()
	if err == nil {
		t.Error("expected error for invalid LISTEN_PID, got nil")
	}
}

func TestListeners_InvalidFDS(t *testing.T) {
	_ = os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	_ = os.Setenv("LISTEN_FDS", "not-a-number")
	defer func() {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
	}()

	_, err := Listeners()
	if err == nil {
		t.Error("expected error for invalid LISTEN_FDS, got nil")
	}
}

func TestListeners_WithActualSocket(t *testing.T) {
	// Create a real TCP listener that we'll pass as an FD
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create test listener: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	// Get the underlying file descriptor
	tcpListener := listener.(*net.TCPListener)
	file, err := tcpListener.File()
	if err != nil {
		t.Fatalf("failed to get listener file: %v", err)
	}
	defer func() {
		_ = file.Close()
	}()

	// The file descriptor should be 3 or higher (0=stdin, 1=stdout, 2=stderr)
	// For testing, we'll verify the logic works but can't fully test fd 3
	// without actually being spawned by systemd

	// This test only checks that a listener's fd can be obtained; it does
	// not call Listeners, since we can't easily test fd 3 in a unit test
	t.Log("Socket activation with real FDs requires systemd integration test")
}

func TestListeners_ZeroFDs(t *testing.T) {
	_ = os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	_ = os.Setenv("LISTEN_FDS", "0")
	defer func() {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
	}()

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}

	if listeners != nil {
		t.Errorf("expected nil listeners when LISTEN_FDS=0, got %v", listeners)
	}
}

func TestListeners_EnvironmentCleanup(t *testing.T) {
	// We can't fully test this without being able to pass actual FDs,
	// so the cleanup after successful parsing is not exercised here.

	// Exercise the PID-matches-but-FDS=0 path
	_ = os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	_ = os.Setenv("LISTEN_FDS", "0")
	_ = os.Setenv("LISTEN_FDNAMES", "test")

	_, _ = Listeners()

	// In the zero FDs case, env vars remain set (early return)
	// This is acceptable behavior
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
}

// Example demonstrates how socket activation detection works
func ExampleListeners() {
	listeners, err := Listeners()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if listeners == nil {
		fmt.Println("No socket activation detected")
	} else {
		fmt.Printf("Received %d systemd socket(s)\n", len(listeners))
	}
}
