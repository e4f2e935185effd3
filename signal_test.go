package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestShutdownContext_FirstSignalCancels(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx := shutdownContext(parent, quietLogger())

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled within 2 seconds of SIGINT")
	}
}

func TestShutdownContext_SecondSignalForcesExit(t *testing.T) {
	exited := make(chan int, 1)
	forceExit = func(code int) { exited <- code }

	t.Cleanup(func() { forceExit = os.Exit })

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx := shutdownContext(parent, quietLogger())

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	<-ctx.Done()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case code := <-exited:
		require.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestShutdownContext_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := shutdownContext(parent, quietLogger())

	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled within 2 seconds of parent cancel")
	}
}

func TestHangupSignals(t *testing.T) {
	registered := make(chan chan<- os.Signal, 1)
	signalNotify = func(c chan<- os.Signal, sig ...os.Signal) {
		assert.Equal(t, []os.Signal{syscall.SIGHUP}, sig)
		registered <- c
	}

	t.Cleanup(func() { signalNotify = signal.Notify })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hangupSignals(ctx)
	sigCh := <-registered

	sigCh <- syscall.SIGHUP

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not delivered")
	}

	sigCh <- syscall.SIGHUP

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("second SIGHUP not delivered")
	}
}
