package control

import (
	"errors"
	"testing"
	"time"
)

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid", Spec{ID: "Q1", Min: 1, Max: 7, Default: 4}, false},
		{"default at min", Spec{ID: "Q1", Min: 1, Max: 7, Default: 1}, false},
		{"empty id", Spec{Min: 1, Max: 7, Default: 4}, true},
		{"inverted range", Spec{ID: "Q1", Min: 7, Max: 1, Default: 4}, true},
		{"degenerate range", Spec{ID: "Q1", Min: 3, Max: 3, Default: 3}, true},
		{"default outside", Spec{ID: "Q1", Min: 1, Max: 7, Default: 9}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("expected ErrInvalidSpec, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestControlSet(t *testing.T) {
	c, err := New(Spec{ID: "Q1", Min: 1, Max: 7, Default: 4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Value() != 4 {
		t.Errorf("expected default 4, got %d", c.Value())
	}

	if err := c.Set(7); err != nil {
		t.Fatalf("Set(7) failed: %v", err)
	}
	if c.Value() != 7 {
		t.Errorf("expected 7, got %d", c.Value())
	}

	if err := c.Set(8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if c.Value() != 7 {
		t.Error("rejected Set must not change the value")
	}
}

func TestValidateSet(t *testing.T) {
	if err := ValidateSet(DefaultSpecs()); err != nil {
		t.Errorf("default specs should validate: %v", err)
	}
	if err := ValidateSet(nil); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("empty set should be rejected, got %v", err)
	}

	dup := []Spec{
		{ID: "Q1", Min: 1, Max: 7, Default: 4},
		{ID: "Q1", Min: 1, Max: 7, Default: 4},
	}
	if err := ValidateSet(dup); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("duplicate ids should be rejected, got %v", err)
	}
}

func TestDefaultSpecs(t *testing.T) {
	specs := DefaultSpecs()
	want := []string{"Q1", "Q2", "Q3", "Q4"}
	ids := IDs(specs)
	if len(ids) != len(want) {
		t.Fatalf("expected %d specs, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("spec %d: expected %s, got %s", i, want[i], ids[i])
		}
		if specs[i].Default != 4 || specs[i].Min != 1 || specs[i].Max != 7 {
			t.Errorf("spec %s: unexpected range %+v", ids[i], specs[i])
		}
	}
}

func TestParseKind(t *testing.T) {
	for k, name := range kindNames {
		got, err := ParseKind(name)
		if err != nil {
			t.Errorf("ParseKind(%q) failed: %v", name, err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", name, got, k)
		}
	}

	if _, err := ParseKind("PointerDown"); err != nil {
		t.Errorf("ParseKind should be case-insensitive: %v", err)
	}
	if _, err := ParseKind("wheel"); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		kind  Kind
		class Class
		want  Action
	}{
		{KindPointerDown, ClassEngage, ActionMarkTouched | ActionBegin},
		{KindFocus, ClassEngage, ActionMarkTouched | ActionBegin},
		{KindKeyDown, ClassEngage, ActionMarkTouched | ActionBegin},
		{KindInput, ClassValueChange, ActionMarkTouched | ActionSetValue},
		{KindChange, ClassValueChange, ActionMarkTouched | ActionSetValue},
		{KindPointerUp, ClassRelease, ActionEnd},
		{KindBlur, ClassRelease, ActionEnd},
		{KindMouseLeave, ClassRelease, ActionEnd},
		{KindUnknown, ClassNone, 0},
	}

	for _, tc := range tests {
		t.Run(tc.kind.String(), func(t *testing.T) {
			if got := Classify(tc.kind); got != tc.class {
				t.Errorf("Classify = %v, want %v", got, tc.class)
			}
			if got := Actions(tc.class); got != tc.want {
				t.Errorf("Actions = %b, want %b", got, tc.want)
			}
		})
	}

	if Actions(ClassRelease).Has(ActionMarkTouched) {
		t.Error("release events must not latch the touch")
	}
	if Actions(ClassValueChange).Has(ActionBegin) {
		t.Error("value-change events must not open an interval")
	}
}

func TestMillis(t *testing.T) {
	if got := Millis(100); got != 100*time.Millisecond {
		t.Errorf("Millis(100) = %v", got)
	}
	if got := Millis(0.5); got != 500*time.Microsecond {
		t.Errorf("Millis(0.5) = %v", got)
	}
}
