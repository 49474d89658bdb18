package strata

import "testing"

var idsetTests = []struct {
	id   ID
	seen bool
}{
	{NewRandomID(), false},
	{NewRandomID(), false},
	{NewRandomID(), false},
}

func TestIDSet(t *testing.T) {
	set := NewIDSet()
	for i, test := range idsetTests {
		seen := set.Has(test.id)
		if seen != test.seen {
			t.Errorf("IDSet test %v failed: wanted %v, got %v", i, test.seen, seen)
		}
		set.Insert(test.id)
		if !set.Has(test.id) {
			t.Errorf("IDSet test %v failed: expected ID to be in set after Insert", i)
		}
	}

	if len(set) != len(idsetTests) {
		t.Errorf("wrong number of entries in set: want %d, got %d", len(idsetTests), len(set))
	}

	id := idsetTests[0].id
	set.Delete(id)
	if set.Has(id) {
		t.Errorf("Has(%v) returned true after Delete", id)
	}

	other := NewIDSet(idsetTests[1].id, idsetTests[2].id)
	if !set.Equals(other) {
		t.Errorf("set %v does not equal %v", set, other)
	}

	sub := set.Sub(NewIDSet(idsetTests[1].id))
	if !sub.Equals(NewIDSet(idsetTests[2].id)) {
		t.Errorf("Sub returned wrong set: %v", sub)
	}

	inter := set.Intersect(NewIDSet(idsetTests[1].id, idsetTests[0].id))
	if !inter.Equals(NewIDSet(idsetTests[1].id)) {
		t.Errorf("Intersect returned wrong set: %v", inter)
	}
}

func TestBlobSet(t *testing.T) {
	h1 := BlobHandle{ID: NewRandomID(), Type: DataBlob}
	h2 := BlobHandle{ID: h1.ID, Type: TreeBlob}

	set := NewBlobSet(h1)
	if !set.Has(h1) {
		t.Error("Has(h1) returned false")
	}
	if set.Has(h2) {
		t.Error("Has(h2) returned true, blob type should be part of the key")
	}

	set.Insert(h2)
	if set.Len() != 2 {
		t.Errorf("wrong number of entries: want 2, got %d", set.Len())
	}

	set.Delete(h1)
	if set.Has(h1) {
		t.Error("Has(h1) returned true after Delete")
	}
}
