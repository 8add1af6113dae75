package observe

import "testing"

func TestValueReplaysCurrentOnSubscribe(t *testing.T) {
	v := NewValue(42)
	var got []int
	v.Subscribe(func(n int) { got = append(got, n) })
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("expected immediate replay of 42, got %v", got)
	}
}

func TestValueNotifiesOnSet(t *testing.T) {
	v := NewValue("a")
	var got []string
	v.Subscribe(func(s string) { got = append(got, s) })
	v.Set("b")
	v.Set("c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if v.Get() != "c" {
		t.Errorf("Get() = %q, want c", v.Get())
	}
}

func TestValueSurvivesPanickingSubscriber(t *testing.T) {
	v := NewValue(0)
	v.Subscribe(func(int) { panic("boom") })
	var last int
	v.Subscribe(func(n int) { last = n })
	v.Set(7)
	if last != 7 {
		t.Errorf("healthy subscriber missed update, last = %d", last)
	}
}
