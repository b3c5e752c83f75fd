package canon

import "testing"

func TestStringSortsMapKeys(t *testing.T) {
	a := map[string]any{"b": 1.0, "a": 2.0, "c": 3.0}
	b := map[string]any{"c": 3.0, "a": 2.0, "b": 1.0}
	if String(a) != String(b) {
		t.Fatalf("expected key order to be normalized: %q vs %q", String(a), String(b))
	}
	if got, want := String(a), `{"a":2,"b":1,"c":3}`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStringPreservesListOrder(t *testing.T) {
	a := []any{"x", "y", "z"}
	b := []any{"z", "y", "x"}
	if String(a) == String(b) {
		t.Fatalf("list order should not be normalized")
	}
	if got, want := String(a), `["x","y","z"]`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStringFloatFormatting(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1.0, "1"},
		{1.5, "1.5"},
		{0.1, "0.1"},
		{-2.25, "-2.25"},
	}
	for _, c := range cases {
		if got := String(c.in); got != c.want {
			t.Errorf("String(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStringNestedDeterminism(t *testing.T) {
	v1 := map[string]any{
		"host": map[string]any{"b": "2", "a": "1"},
		"tags": []any{"x", "y"},
	}
	v2 := map[string]any{
		"tags": []any{"x", "y"},
		"host": map[string]any{"a": "1", "b": "2"},
	}
	if String(v1) != String(v2) {
		t.Fatalf("nested maps should normalize regardless of construction order")
	}
}

type canonical struct{ a, b string }

func (c canonical) Canon() map[string]any {
	return map[string]any{"a": c.a, "b": c.b}
}

func TestStringUsesCanonInterface(t *testing.T) {
	c := canonical{a: "1", b: "2"}
	if got, want := String(c), `{"a":"1","b":"2"}`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStringNullAndBool(t *testing.T) {
	if got, want := String(nil), "null"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := String(true), "true"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
