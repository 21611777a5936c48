package reconstruct

import (
	"bytes"
	"testing"

	"github.com/WebFirstLanguage/raidpir/pkg/query"
)

func TestApplyFinishesBlockAfterAllContributions(t *testing.T) {
	plan := query.Plan{
		3: {{Mirror: 0, Slot: 0}, {Mirror: 1, Slot: 0}},
	}
	r := New(plan, 4, nil)

	finished, err := r.Apply(0, 0, []byte{0x0F, 0x0F, 0x0F, 0x0F})
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 0 {
		t.Fatalf("expected no finished blocks yet, got %v", finished)
	}
	if r.Finished() {
		t.Fatal("should not be finished after one of two contributions")
	}

	finished, err = r.Apply(1, 0, []byte{0xF0, 0xF0, 0xF0, 0xF0})
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 1 || finished[0] != 3 {
		t.Fatalf("expected block 3 finished, got %v", finished)
	}
	if !r.Finished() {
		t.Fatal("expected reconstructor finished")
	}
	data, ok := r.Block(3)
	if !ok {
		t.Fatal("expected block 3 available")
	}
	if !bytes.Equal(data, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("got %v", data)
	}
}

func TestApplyRejectsWrongLength(t *testing.T) {
	plan := query.Plan{3: {{Mirror: 0, Slot: 0}}}
	r := New(plan, 4, nil)
	if _, err := r.Apply(0, 0, []byte{0x00}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestPendingTracksRemainingContributions(t *testing.T) {
	plan := query.Plan{
		3: {{Mirror: 0}, {Mirror: 1}},
		9: {{Mirror: 0}},
	}
	r := New(plan, 4, nil)
	if got := r.Pending()[3]; got != 2 {
		t.Fatalf("expected 2 remaining for block 3, got %d", got)
	}
	if _, err := r.Apply(0, 0, make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	pending := r.Pending()
	if pending[3] != 1 {
		t.Fatalf("expected 1 remaining for block 3, got %d", pending[3])
	}
	if _, ok := pending[9]; ok {
		t.Fatal("block 9 should already be finished")
	}
}

func TestApplyMultipleSlotsFromSameMirror(t *testing.T) {
	plan := query.Plan{
		0: {{Mirror: 0, Slot: 0}},
		1: {{Mirror: 0, Slot: 1}},
	}
	r := New(plan, 2, nil)
	finished, err := r.Apply(0, 0, []byte{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 1 || finished[0] != 0 {
		t.Fatalf("got %v", finished)
	}
	finished, err = r.Apply(0, 1, []byte{2, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 1 || finished[0] != 1 {
		t.Fatalf("got %v", finished)
	}
	if !r.Finished() {
		t.Fatal("expected all blocks finished")
	}
}
