package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/marshal-runtime/wire"
)

func TestRun_Tally(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []wire.Mode{wire.Normal, wire.TableStrong, wire.TableWeak} {
		t.Run(mode.String(), func(t *testing.T) {
			h, err := newHost(ctx, "", "", mode)
			if err != nil {
				t.Fatalf("newHost: %v", err)
			}
			defer h.close(ctx)

			var out bytes.Buffer
			if err := run(ctx, &out, h, "add", []string{"5"}, false); err != nil {
				t.Fatalf("run: %v", err)
			}
			text := out.String()
			if !strings.Contains(text, "Result: [5]") {
				t.Fatalf("missing result in output:\n%s", text)
			}
			after := text[strings.Index(text, "After release"):]
			if !strings.Contains(after, "0 locks, 0 proxies") {
				t.Fatalf("tables not empty after release:\n%s", after)
			}
		})
	}
}

func TestRun_List(t *testing.T) {
	ctx := context.Background()
	h, err := newHost(ctx, "", "", wire.Normal)
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	defer h.close(ctx)

	var out bytes.Buffer
	if err := run(ctx, &out, h, "", nil, true); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"add(n: u32) -> u32", "echo(s: string) -> string", "total() -> u32"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in:\n%s", want, out.String())
		}
	}
	if h.rt.Snapshot().Locks() != 0 {
		t.Fatal("list should not export anything")
	}
}

func TestHost_CallErrors(t *testing.T) {
	ctx := context.Background()
	h, err := newHost(ctx, "", "", wire.Normal)
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	defer h.close(ctx)
	handle, err := h.export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer handle.Release()

	tests := []struct {
		name   string
		method string
		args   []string
	}{
		{"unknown method", "sub", nil},
		{"arity", "add", nil},
		{"bad number", "add", []string{"x"}},
		{"out of range", "add", []string{"4294967296"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.call(ctx, handle, tt.method, tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	out, err := h.call(ctx, handle, "echo", []string{"hi"})
	if err != nil || out[0] != "hi" {
		t.Fatalf("echo = %v, %v", out, err)
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"normal", "table-strong", "table-weak"} {
		m, err := parseMode(s)
		if err != nil || m.String() != s {
			t.Fatalf("parseMode(%q) = %v, %v", s, m, err)
		}
	}
	if _, err := parseMode("strong"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestConvertArg(t *testing.T) {
	tests := []struct {
		in   string
		typ  wit.Type
		want any
	}{
		{"7", wit.U8{}, uint8(7)},
		{"-3", wit.S32{}, int32(-3)},
		{"true", wit.Bool{}, true},
		{"1.5", wit.F64{}, 1.5},
		{"text", wit.String{}, "text"},
	}
	for _, tt := range tests {
		got, err := convertArg(tt.in, tt.typ)
		if err != nil || got != tt.want {
			t.Errorf("convertArg(%q, %s) = %v, %v", tt.in, witTypeStr(tt.typ), got, err)
		}
	}
	if _, err := convertArg("x", wit.Char{}); err == nil {
		t.Error("char should not be accepted")
	}
}
