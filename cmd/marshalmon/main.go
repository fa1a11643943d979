package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/wippyai/marshal-runtime/runtime"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a TOML config file (optional)")
		wasmFile    = flag.String("wasm", "", "Serve instances of a core wasm module instead of the tally object")
		funcName    = flag.String("func", "", "Method to call through the proxy")
		args        = flag.String("args", "", "Call arguments (comma-separated)")
		modeName    = flag.String("mode", "normal", "Marshal mode: normal, table-strong or table-weak")
		list        = flag.Bool("list", false, "List interface methods and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	mode, err := parseMode(*modeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	h, err := newHost(ctx, *configPath, *wasmFile, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer h.close(ctx)

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(h); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, os.Stdout, h, *funcName, splitArgs(*args), *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run exports one object, optionally calls it, and reports the tables
// before and after the proxy is released.
func run(ctx context.Context, w io.Writer, h *host, funcName string, args []string, listOnly bool) error {
	fmt.Fprintf(w, "Source: %s\n", h.source)
	fmt.Fprintf(w, "Interface: %s %s\n", h.iface.Name, h.iface.ID)
	fmt.Fprintf(w, "\nMethods:\n")
	for _, m := range h.iface.Methods {
		fmt.Fprintf(w, "  %s\n", formatMethod(m))
	}
	if listOnly {
		return nil
	}

	handle, err := h.export(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nExported with mode %s\n", h.mode)
	printSnapshot(w, h.rt.Snapshot())

	if funcName != "" {
		fmt.Fprintf(w, "\nCalling %s%q...\n", funcName, args)
		out, err := h.call(ctx, handle, funcName, args)
		if err != nil {
			handle.Release()
			return fmt.Errorf("call %s: %w", funcName, err)
		}
		fmt.Fprintf(w, "Result: %v\n", out)
	}

	handle.Release()
	fmt.Fprintf(w, "\nAfter release\n")
	printSnapshot(w, h.rt.Snapshot())
	return nil
}

func printSnapshot(w io.Writer, s runtime.Snapshot) {
	fmt.Fprintf(w, "Process %s: %d locks, %d proxies, %d handles\n", s.Process, s.Locks(), len(s.Proxies), s.Handles)
	for _, a := range s.Apartments {
		fmt.Fprintf(w, "  apartment %d %s %s queued=%d\n", a.ID, a.Model, a.State, a.Queued)
		for _, e := range a.Stubs {
			fmt.Fprintf(w, "    stub %d %s locks=%d strong=%d weak=%d tickets=%d\n",
				e.ID, e.Type, e.Locks, e.Strong, e.Weak, e.Tickets)
		}
	}
	for _, p := range s.Proxies {
		fmt.Fprintf(w, "  proxy %d/%d %s refs=%d calls=%d\n",
			p.Key.Apartment, p.Key.Object, p.Context, p.Refs, p.Calls)
	}
}
