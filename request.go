package main

import (
	"log/slog"
	"time"

	"github.com/tonimelisma/docsync/internal/datastore"
)

// progressInterval paces progress lines for long requests.
const progressInterval = 500 * time.Millisecond

// await drains req and returns its last, authoritative result. A local
// result that is superseded is only logged. Page and chunk progress is
// reported on stderr while the request runs.
func await[T any](cc *CLIContext, req *datastore.Request[T]) (T, error) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	var (
		last     datastore.Result[T]
		reported int64
	)

	for {
		select {
		case res, ok := <-req.Results():
			if !ok {
				if reported > 0 {
					cc.Statusf("\n")
				}

				return last.Value, last.Err
			}

			cc.Logger.Debug("result received",
				slog.String("source", res.Source.String()),
				slog.Bool("ok", res.Err == nil),
			)

			last = res

		case <-ticker.C:
			done, total := req.Progress()
			if total > 1 && done != reported {
				cc.Statusf("\r%d/%d", done, total)
				reported = done
			}
		}
	}
}
