package data

import (
	"errors"
	"testing"
)

func TestDTypeSize(t *testing.T) {
	cases := map[DType]int{
		DTypeFloat32: 4,
		DTypeFloat64: 8,
		DTypeInt32:   4,
		DTypeInt64:   8,
		DTypeUnknown: 0,
	}
	for d, want := range cases {
		if got := d.Size(); got != want {
			t.Errorf("%s: expected size %d, got %d", d, want, got)
		}
	}
	if DType(5).Valid() {
		t.Error("DType(5) should not be valid")
	}
}

func TestParseDType(t *testing.T) {
	for _, d := range []DType{DTypeFloat32, DTypeFloat64, DTypeInt32, DTypeInt64, DTypeUnknown} {
		got, err := ParseDType(d.String())
		if err != nil {
			t.Fatalf("ParseDType(%s) failed: %v", d, err)
		}
		if got != d {
			t.Errorf("Expected %s, got %s", d, got)
		}
	}
	if _, err := ParseDType("BFLOAT16"); err == nil {
		t.Error("Expected error for unknown dtype name")
	}
}

func TestTensorValidate(t *testing.T) {
	cases := []struct {
		name    string
		tensor  Tensor
		wantErr bool
	}{
		{"float32 matrix", Tensor{Buffer: make([]byte, 2*3*4), Def: TensorDef{Shape: []int64{2, 3}}}, false},
		{"int64 vector", Tensor{Buffer: make([]byte, 5*8), Def: TensorDef{Shape: []int64{5}, DType: DTypeInt64}}, false},
		{"scalar", Tensor{Buffer: make([]byte, 8), Def: TensorDef{DType: DTypeFloat64}}, false},
		{"short buffer", Tensor{Buffer: make([]byte, 7), Def: TensorDef{Shape: []int64{2}}}, true},
		{"zero dimension", Tensor{Buffer: nil, Def: TensorDef{Shape: []int64{0, 3}}}, true},
		{"negative dimension", Tensor{Buffer: nil, Def: TensorDef{Shape: []int64{-1}}}, true},
		{"unknown dtype", Tensor{Buffer: make([]byte, 4), Def: TensorDef{Shape: []int64{1}, DType: DTypeUnknown}}, true},
		{"huge shape", Tensor{Buffer: nil, Def: TensorDef{Shape: []int64{1 << 40, 1 << 40}}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tensor.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatal("Expected validation error")
				}
				if !errors.Is(err, ErrMalformedMessage) {
					t.Errorf("Expected malformed error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestTensorMatches(t *testing.T) {
	def := TensorDef{Shape: []int64{1, 3, 32, 32}, DType: DTypeFloat32}
	tensor := Zeros(def)

	if !tensor.Matches(def) {
		t.Error("Zeros tensor should match its own definition")
	}
	if tensor.Matches(TensorDef{Shape: []int64{1, 3, 28, 28}, DType: DTypeFloat32}) {
		t.Error("Tensor should not match a different shape")
	}
	if tensor.Matches(TensorDef{Shape: []int64{1, 3, 32, 32}, DType: DTypeFloat64}) {
		t.Error("Tensor should not match a different dtype")
	}
}

func TestFloat32Tensor(t *testing.T) {
	values := []float32{1.5, -2, 0, 3.25}
	tensor := NewFloat32Tensor([]int64{2, 2}, values)

	if err := tensor.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	got := tensor.Float32s()
	if len(got) != len(values) {
		t.Fatalf("Expected %d values, got %d", len(values), len(got))
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("Value %d: expected %v, got %v", i, values[i], got[i])
		}
	}
}

func TestSynapseClone(t *testing.T) {
	s := &Synapse{
		NeuronKey: "key",
		BlockHash: []byte{1, 2},
		InputDef:  TensorDef{Shape: []int64{4}},
	}
	c := s.Clone()
	c.BlockHash[0] = 9
	c.InputDef.Shape[0] = 8

	if s.BlockHash[0] != 1 || s.InputDef.Shape[0] != 4 {
		t.Error("Clone should not share slices with the original")
	}
}

func TestErrorKinds(t *testing.T) {
	err := Errorf(KindBusy, "queue full (%d)", 8)

	if !errors.Is(err, ErrBusy) {
		t.Error("Expected errors.Is(err, ErrBusy)")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("Busy error should not match ErrTimeout")
	}
	if KindOf(err) != KindBusy {
		t.Errorf("Expected KindBusy, got %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("Plain errors should have KindUnknown")
	}

	cause := errors.New("connection refused")
	wrapped := NewError(KindUnreachable, "dial", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("Expected the cause to be reachable via errors.Is")
	}
	if wrapped.Error() != "unreachable: dial: connection refused" {
		t.Errorf("Unexpected message: %s", wrapped.Error())
	}
}
