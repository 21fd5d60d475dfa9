package merkle

import "testing"

func TestRoot_Empty(t *testing.T) {
	if _, err := Root(nil); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestRoot_SingleLeaf(t *testing.T) {
	root, err := Root([]string{"abc"})
	if err != nil {
		t.Fatal(err)
	}
	if root != "abc" {
		t.Fatalf("single-leaf root should equal the leaf itself, got %s", root)
	}
}

func TestRoot_EvenPair(t *testing.T) {
	a, b := "hashA", "hashB"
	got, err := Root([]string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	want := hashPair(a, b)
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestRoot_OddDuplicatesLast(t *testing.T) {
	a, b, c := "A", "B", "C"
	got, err := Root([]string{a, b, c})
	if err != nil {
		t.Fatal(err)
	}
	want := hashPair(hashPair(a, b), hashPair(c, c))
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestRoot_Deterministic(t *testing.T) {
	hashes := []string{"h1", "h2", "h3", "h4", "h5"}
	r1, _ := Root(hashes)
	r2, _ := Root(hashes)
	if r1 != r2 {
		t.Fatalf("root must be deterministic for the same ordered input")
	}
}

func TestRoot_OrderSensitive(t *testing.T) {
	r1, _ := Root([]string{"h1", "h2"})
	r2, _ := Root([]string{"h2", "h1"})
	if r1 == r2 {
		t.Fatal("root should depend on input ordering")
	}
}
