package stub

import (
	"context"
	stderrors "errors"
	"sort"
	"testing"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/wire"
)

type counter struct {
	dropped bool
	n       uint32
}

func (c *counter) Add(delta uint32) uint32 {
	c.n += delta
	return c.n
}

func (c *counter) GetHTTPStatus(ctx context.Context) (int32, error) {
	if ctx == nil {
		return 0, stderrors.New("no context")
	}
	return 200, nil
}

func (c *counter) Fail() error { return stderrors.New("boom") }

func (c *counter) Pick(items []string, idx int8) string { return items[idx] }

func (c *counter) Drop() { c.dropped = true }

type explicit struct{}

func (explicit) Register() map[string]any {
	return map[string]any{
		"[method]thing.get": func() string { return "thing" },
	}
}

func TestToKebabCase(t *testing.T) {
	tests := map[string]string{
		"Add":           "add",
		"GetValue":      "get-value",
		"GetHTTPStatus": "get-http-status",
		"GetHTTPURL":    "get-httpurl",
		"ID":            "id",
		"":              "",
	}
	for in, want := range tests {
		if got := toKebabCase(in); got != want {
			t.Errorf("toKebabCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReflect_Methods(t *testing.T) {
	o, err := Reflect(&counter{}, testIID)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	names := o.Methods()
	sort.Strings(names)
	want := []string{"add", "fail", "get-http-status", "pick"}
	if len(names) != len(want) {
		t.Fatalf("methods = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("methods = %v, want %v", names, want)
		}
	}
	if !o.Implements(testIID) || o.Implements(wire.NewInterfaceID()) {
		t.Fatal("Implements does not follow the declared interfaces")
	}
}

func TestReflect_Invoke(t *testing.T) {
	c := &counter{}
	o, err := Reflect(c, testIID)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	ctx := context.Background()

	out, err := o.Invoke(ctx, testIID, "add", []any{uint32(5)})
	if err != nil || out[0] != uint32(5) {
		t.Fatalf("add = %v, %v", out, err)
	}
	out, err = o.Invoke(ctx, testIID, "get-http-status", nil)
	if err != nil || out[0] != int32(200) {
		t.Fatalf("get-http-status = %v, %v", out, err)
	}
	out, err = o.Invoke(ctx, testIID, "pick", []any{[]string{"a", "b"}, uint32(1)})
	if err != nil || out[0] != "b" {
		t.Fatalf("pick = %v, %v", out, err)
	}

	if _, err := o.Invoke(ctx, testIID, "fail", nil); err == nil || err.Error() != "boom" {
		t.Fatalf("fail = %v", err)
	}
	if _, err := o.Invoke(ctx, testIID, "missing", nil); errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("missing = %v", err)
	}
	if _, err := o.Invoke(ctx, testIID, "add", nil); errors.KindOf(err) != errors.KindInvalidInput {
		t.Fatalf("arity = %v", err)
	}
	if _, err := o.Invoke(ctx, testIID, "add", []any{"x"}); errors.KindOf(err) != errors.KindTypeMismatch {
		t.Fatalf("type = %v", err)
	}
	if _, err := o.Invoke(ctx, testIID, "pick", []any{[]string{"a"}, uint32(300)}); errors.KindOf(err) != errors.KindOverflow {
		t.Fatalf("overflow = %v", err)
	}

	o.Drop()
	if !c.dropped {
		t.Fatal("Drop was not forwarded")
	}
}

func TestReflect_Registrar(t *testing.T) {
	o, err := Reflect(explicit{}, testIID)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	out, err := o.Invoke(context.Background(), testIID, "[method]thing.get", nil)
	if err != nil || out[0] != "thing" {
		t.Fatalf("explicit = %v, %v", out, err)
	}
	if _, err := o.Invoke(context.Background(), testIID, "register", nil); err == nil {
		t.Fatal("Register must not be exposed")
	}
}

func TestReflect_InStubTable(t *testing.T) {
	c := &counter{}
	o, err := Reflect(c, testIID)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	tbl := NewTable(1)
	g, err := tbl.Marshal(o, testIID, wire.Normal)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := tbl.ReleaseData(g.Object, wire.Normal, g.Ticket); err != nil {
		t.Fatalf("ReleaseData: %v", err)
	}
	if !c.dropped {
		t.Fatal("receiver should be dropped with its stub")
	}
}

func TestReflect_Nil(t *testing.T) {
	if _, err := Reflect(nil); errors.KindOf(err) != errors.KindInvalidInput {
		t.Fatalf("Reflect(nil) = %v", err)
	}
}
