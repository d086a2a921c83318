package tensor

import "testing"

func TestNewShape(t *testing.T) {
	t1 := New(2, 3)
	if len(t1.Data) != 6 {
		t.Fatalf("expected 6 elements, got %d", len(t1.Data))
	}
	if len(t1.Shape) != 2 || t1.Shape[0] != 2 || t1.Shape[1] != 3 {
		t.Fatalf("unexpected shape: %v", t1.Shape)
	}
}

func TestAdd(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3}, Shape: []int{3}}
	b := &Tensor{Data: []float64{4, 5, 6}, Shape: []int{3}}
	c, err := Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{5, 7, 9}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, c.Data[i], want[i])
		}
	}
}

func TestAddShapeMismatch(t *testing.T) {
	a := New(3)
	b := New(4)
	if _, err := Add(a, b); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestMatMul(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3, 4}, Shape: []int{2, 2}}
	b := &Tensor{Data: []float64{5, 6, 7, 8}, Shape: []int{2, 2}}
	c, err := MatMul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{19, 22, 43, 50}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, c.Data[i], want[i])
		}
	}
}

func TestReshape(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3, 4, 5, 6}, Shape: []int{6}}
	b, err := a.Reshape(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if b.At(1, 2) != 6 {
		t.Errorf("got %f, want 6", b.At(1, 2))
	}
	if _, err := a.Reshape(4, 2); err == nil {
		t.Fatal("expected reshape error")
	}
	// reshaped tensor aliases the original data
	b.Data[0] = 9
	if a.Data[0] != 9 {
		t.Error("reshape should not copy data")
	}
}

func TestArgmax(t *testing.T) {
	a := &Tensor{Data: []float64{0.1, 0.7, 0.2}, Shape: []int{3}}
	if got := a.Argmax(); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}
