package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forceExit terminates the process on a second interrupt. Tests replace it.
var forceExit = os.Exit

// signalNotify registers a channel for OS signals. Tests replace it to feed
// signals without raising them at the process.
var signalNotify = signal.Notify

// shutdownContext returns a context cancelled by the first SIGINT or SIGTERM.
// In-flight requests see the cancellation and report RequestCancelled; a
// second signal exits immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, cancelling outstanding requests",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, exiting",
				slog.String("signal", sig.String()),
			)
			forceExit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// hangupSignals delivers a value for every SIGHUP until ctx is done. The
// watch daemon treats it as "sync everything now".
func hangupSignals(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)

	sigCh := make(chan os.Signal, 1)
	signalNotify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
