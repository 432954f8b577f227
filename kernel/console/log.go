package console

import (
	"io"

	"ridgeos/kernel/kfmt"
)

// Level is one of the loglevel values recognized on the command line.
type Level uint8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

var levelNames = [...]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelOff:   "off",
}

func (l Level) String() string {
	if int(l) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel maps a loglevel token to its Level, returning false if s does
// not name one of the defined values.
func ParseLevel(s string) (Level, bool) {
	for lvl, name := range levelNames {
		if name == s {
			return Level(lvl), true
		}
	}
	return 0, false
}

// activeLevel gates calls to Logf; messages below it are discarded without
// reaching the UART.
var activeLevel = LevelInfo

// SetLevel adjusts the active log level, normally set once from the parsed
// command line during early boot.
func SetLevel(lvl Level) {
	activeLevel = lvl
}

// prefixes is indexed by Level and holds the tag PrefixWriter injects at
// the start of each line written through Logf.
var prefixes = [...][]byte{
	LevelTrace: []byte("[trace] "),
	LevelDebug: []byte("[debug] "),
	LevelInfo:  []byte("[info ] "),
	LevelWarn:  []byte("[warn ] "),
	LevelError: []byte("[error] "),
}

// Logf formats and writes msg at the given level through the active
// console, provided lvl is at or above the configured threshold and below
// LevelOff. Each call gets its own PrefixWriter so interleaved levels never
// smear each other's tags across a shared bytesAfterPrefix counter.
func Logf(lvl Level, format string, args ...interface{}) {
	if lvl < activeLevel || lvl >= LevelOff {
		return
	}

	pw := &kfmt.PrefixWriter{Sink: sink, Prefix: prefixes[lvl]}
	kfmt.Fprintf(pw, format, args...)
}

// sink is the installed console's underlying writer, set by Install. Until
// Install runs it is nil: kfmt.Printf output accumulates in kfmt's own early
// ring buffer, while a Logf call that passes the level check panics, since
// its PrefixWriter writes to the nil sink.
var sink io.Writer

// Install brings up the 16550 serial UART at the standard COM1 port and
// wires it as the target for both kfmt.Printf (component-level formatted
// output) and Logf (leveled, prefixed output), flushing anything buffered
// before the console existed.
func Install() {
	s := NewSerial(0x3f8, 115200)
	sink = s
	kfmt.SetOutputSink(s)
}
