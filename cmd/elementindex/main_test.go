// File: cmd/elementindex/main_test.go
package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/elementindex/cmd"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	execute = cmd.Execute
}

func TestRun_ExitCodes(t *testing.T) {
	t.Cleanup(resetMocks)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"canceled is a clean exit", context.Canceled, 0},
		{"failure", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execute = func(context.Context) error { return tt.err }
			assert.Equal(t, tt.want, run(context.Background()))
		})
	}
}

func TestHandlePanic(t *testing.T) {
	t.Cleanup(resetMocks)

	t.Run("writes the panic log", func(t *testing.T) {
		var written []byte
		var path string
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			path, written = name, data
			return nil
		}
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("index exploded")
		}()

		require.Equal(t, panicLogFile, path)
		assert.Contains(t, string(written), "panic: index exploded")
		assert.Contains(t, string(written), "goroutine")
		assert.Equal(t, 2, code)
	})

	t.Run("falls back to stderr when the log cannot be written", func(t *testing.T) {
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only") }
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("again")
		}()
		assert.Equal(t, 2, code)
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		osExit = func(int) { t.Fatal("exit called without a panic") }
		func() {
			defer handlePanic()
		}()
	})
}
