package wake

import "testing"

func TestValidate_ExactMatch(t *testing.T) {
	t.Parallel()

	v := New([]string{"hey vox", "computer"})
	kw, ok := v.Validate("hey vox", 0.9)
	if !ok {
		t.Fatal("exact match rejected")
	}
	if kw != "hey vox" {
		t.Errorf("keyword: got %q, want hey vox", kw)
	}
}

func TestValidate_CaseAndWhitespaceInsensitive(t *testing.T) {
	t.Parallel()

	v := New([]string{"Hey Vox"})
	if _, ok := v.Validate("  hey vox ", 0.9); !ok {
		t.Error("case/whitespace variant rejected")
	}
}

func TestValidate_PhoneticMishearing(t *testing.T) {
	t.Parallel()

	v := New([]string{"hey vox"})
	// A keyword spotter mishearing with the same phonetic shape.
	kw, ok := v.Validate("hey vocks", 0.8)
	if !ok {
		t.Fatal("phonetic variant rejected")
	}
	if kw != "hey vox" {
		t.Errorf("keyword: got %q, want canonical hey vox", kw)
	}
}

func TestValidate_UnrelatedWordRejected(t *testing.T) {
	t.Parallel()

	v := New([]string{"hey vox"})
	if _, ok := v.Validate("good morning", 0.95); ok {
		t.Error("unrelated phrase accepted")
	}
}

func TestValidate_LowConfidenceRejected(t *testing.T) {
	t.Parallel()

	v := New([]string{"hey vox"})
	if _, ok := v.Validate("hey vox", 0.1); ok {
		t.Error("low-confidence report accepted")
	}
}

func TestValidate_EmptyInputs(t *testing.T) {
	t.Parallel()

	if _, ok := New(nil).Validate("hey vox", 0.9); ok {
		t.Error("accepted with no configured keywords")
	}
	if _, ok := New([]string{"hey vox"}).Validate("", 0.9); ok {
		t.Error("accepted empty report")
	}
}

func TestValidate_PicksBestOfMultipleKeywords(t *testing.T) {
	t.Parallel()

	v := New([]string{"computer", "hey vox"})
	kw, ok := v.Validate("hey voks", 0.8)
	if !ok {
		t.Fatal("variant rejected")
	}
	if kw != "hey vox" {
		t.Errorf("keyword: got %q, want hey vox", kw)
	}
}

func TestValidate_ConfidenceFloorConfigurable(t *testing.T) {
	t.Parallel()

	v := New([]string{"hey vox"}, WithMinConfidence(0.05))
	if _, ok := v.Validate("hey vox", 0.1); !ok {
		t.Error("report above configured floor rejected")
	}
}
