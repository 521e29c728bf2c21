package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/helmd/helmd/internal/engine"
)

// Process exit codes. Scripted callers branch on these.
const (
	exitOK             = 0
	exitGeneral        = 1
	exitNotRunning     = 2
	exitNotInstalled   = 3
	exitAlreadyRunning = 4
)

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrNotInstalled):
		return exitNotInstalled
	case errors.Is(err, engine.ErrNotRunning):
		return exitNotRunning
	case errors.Is(err, engine.ErrAlreadyRunning):
		return exitAlreadyRunning
	default:
		return exitGeneral
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

// emit prints the result as JSON or hands off to the human formatter,
// then exits with the code derived from err.
func emit(jsonOut bool, result any, human func(), err error) {
	if jsonOut {
		printJSON(result)
	} else {
		human()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCodeFor(err))
}
