package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Messages go to stderr so stdout stays clean for JSON output and the MCP
// stdio transport.
var stderr io.Writer = os.Stderr

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func printSuccess(format string, args ...any) {
	fmt.Fprintln(stderr, green("✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(stderr, red("✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(stderr, yellow("⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", bold(label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(stderr, cyan("→ "+fmt.Sprintf(format, args...)))
}

// colorStatus renders a help request status in its lifecycle color.
func colorStatus(status string) string {
	switch status {
	case "Pending":
		return yellow(status)
	case "Resolved":
		return green(status)
	case "Unresolved":
		return red(status)
	}
	return status
}
