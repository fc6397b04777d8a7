package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var locator = false
var maps = false
var modules = false
var symbols = false
var memory = false
var session = false
var shell = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Locator returns true if process lookup and attach should be logged.
func Locator() bool {
	return locator
}

// LocatorLogger returns a logger for pkg/proc/native lookups.
func LocatorLogger() Logger {
	return makeFlaggableLogger(locator, Fields{"layer": "locator"})
}

// Maps returns true if address-space parsing should be logged, including
// every skipped maps line.
func Maps() bool {
	return maps
}

// MapsLogger returns a logger for the maps reader.
func MapsLogger() Logger {
	return makeFlaggableLogger(maps, Fields{"layer": "maps"})
}

// Modules returns true if module grouping and load bias computation should
// be logged.
func Modules() bool {
	return modules
}

// ModulesLogger returns a logger for the module resolver.
func ModulesLogger() Logger {
	return makeFlaggableLogger(modules, Fields{"layer": "modules"})
}

// Symbols returns true if symbol table loading should be logged.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for the symbol resolver.
func SymbolsLogger() Logger {
	return makeFlaggableLogger(symbols, Fields{"layer": "symbols"})
}

// Memory returns true if every memory transfer should be logged.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for memory transfers.
func MemoryLogger() Logger {
	return makeFlaggableLogger(memory, Fields{"layer": "memory"})
}

// Session returns true if session lifecycle events should be logged.
func Session() bool {
	return session
}

// SessionLogger returns a logger for session lifecycle events.
func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

// Shell returns true if the interactive shell should log the commands it
// executes.
func Shell() bool {
	return shell
}

func ShellLogger() Logger {
	return makeFlaggableLogger(shell, Fields{"layer": "shell"})
}

// WriteError writes an error message to the log, regardless of which
// layers are enabled.
func WriteError(msg string) {
	if logOut != nil {
		fmt.Fprintln(logOut, msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "procmem-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "session"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "locator":
			locator = true
		case "maps":
			maps = true
		case "modules":
			modules = true
		case "symbols":
			symbols = true
		case "memory":
			memory = true
		case "session":
			session = true
		case "shell":
			shell = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'procmem help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), entry.Level)
	for k, v := range entry.Data {
		fmt.Fprintf(b, "%s=%v ", k, v)
	}
	fmt.Fprintln(b, entry.Message)
	return b.Bytes(), nil
}
