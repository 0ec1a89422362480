// File: cmd/ghoul/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/xkilldash9x/ghoul/cmd"
	"github.com/xkilldash9x/ghoul/internal/observability"
)

const panicLogFile = "panic.log"

const banner = `
  ghoul - a control bridge for headless pages
  type a command (run, eval, version) or "exit"

`

// Function variables for tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
	execute     = cmd.Execute
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 {
		if err := execute(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				osExit(0)
				return
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			osExit(1)
		}
		return
	}

	fmt.Print(banner)
	if err := interactive(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading from stdin:", err)
		osExit(1)
	}
}

// interactive runs one command per input line until EOF, "exit" or "quit".
func interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "ghoul > ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		executeLine(ctx, line, out)
	}
	return scanner.Err()
}

// executeLine runs a single shell line on a fresh command tree. A panic inside
// the command is reported without ending the shell.
func executeLine(ctx context.Context, line string, out io.Writer) {
	root := cmd.NewRootCommand()
	root.SetArgs(strings.Fields(line))
	root.SetOut(out)
	root.SetErr(out)

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(out, "Error: command panicked: %v\n", r)
		}
	}()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(out, "Error:", err)
	}
}

// handlePanic records a crash to panicLogFile before exiting.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", msg)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "ghoul crashed; details logged to %s\n", panicLogFile)
	osExit(2)
}
