package logger

import (
	"fmt"
	"os"
	"time"
)

// ANSI colors. Always on: detecting a terminal is not worth a dependency,
// and the output is meant for a developer console.
const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
	gray   = "\033[90m"
	bold   = "\033[1m"
)

func stamp() string {
	return time.Now().UTC().Format("15:04:05")
}

func line(color, level, tag, msg string) {
	fmt.Fprintf(os.Stdout, "%s%s%s %s%-5s%s [%s] %s\n",
		gray, stamp(), reset, color, level, reset, tag, msg)
}

// Info logs an informational message under a component tag.
func Info(tag, msg string) {
	line(cyan, "INFO", tag, msg)
}

// Success logs a completed-action message.
func Success(tag, msg string) {
	line(green, "OK", tag, msg)
}

// Warn logs a recoverable problem.
func Warn(tag, msg string) {
	line(yellow, "WARN", tag, msg)
}

// Error logs a failure.
func Error(tag, msg string) {
	line(red, "ERROR", tag, msg)
}

// Section prints a visual separator for a startup phase.
func Section(name string) {
	fmt.Fprintf(os.Stdout, "\n%s── %s %s\n", bold, name, reset)
}

// Stats prints a key/value statistic.
func Stats(key string, value any) {
	fmt.Fprintf(os.Stdout, "  %s%-24s%s %v\n", gray, key, reset, value)
}

// Server announces the listen address.
func Server(addr string) {
	fmt.Fprintf(os.Stdout, "%s%s Listening on http://%s%s\n", bold, green, addr, reset)
}

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Fprintf(os.Stdout, "%s%s orderflow-mcp %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stdout, "%s perpetual futures orderflow indicators over MCP%s\n\n", gray, reset)
}
