package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeySequence   = "sequence"
	KeyName       = "name"
	KeyStage      = "stage"
	KeyState      = "state"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyOutput     = "output"
	KeyItems      = "items"
	KeyReused     = "reused"
	KeyPrepared   = "prepared"
	KeyFailed     = "failed"
	KeyWorkers    = "workers"
	KeyWorker     = "worker"
	KeyProducer   = "producer"
	KeyEvent      = "event"
	KeyAddr       = "addr"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Sequence(key string) slog.Attr   { return slog.String(KeySequence, key) }
func Name(n string) slog.Attr         { return slog.String(KeyName, n) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Output(p string) slog.Attr       { return slog.String(KeyOutput, p) }
func Items(n int) slog.Attr           { return slog.Int(KeyItems, n) }
func Reused(n int) slog.Attr          { return slog.Int(KeyReused, n) }
func Prepared(n int) slog.Attr        { return slog.Int(KeyPrepared, n) }
func Failed(n int) slog.Attr          { return slog.Int(KeyFailed, n) }
func Workers(n int) slog.Attr         { return slog.Int(KeyWorkers, n) }
func Worker(id string) slog.Attr      { return slog.String(KeyWorker, id) }
func Producer(name string) slog.Attr  { return slog.String(KeyProducer, name) }
func Event(e string) slog.Attr        { return slog.String(KeyEvent, e) }
func Addr(a string) slog.Attr         { return slog.String(KeyAddr, a) }

// Since reports the elapsed time from start in milliseconds.
func Since(start time.Time) slog.Attr {
	return DurationMS(float64(time.Since(start).Microseconds()) / 1000)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
