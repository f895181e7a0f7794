package settlement

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in        Quantity
		scale     uint8
		want, rem string
	}{
		{Quantity{"100", 2}, 2, "100", "0"},
		{Quantity{"100", 2}, 4, "10000", "0"},
		{Quantity{"12345", 4}, 2, "123", "45"},
		{Quantity{"100", 18}, 9, "0", "100"},
		{Quantity{"1000000000000000000000", 18}, 0, "1000", "0"},
	}
	for _, c := range cases {
		got, rem, err := c.in.Normalize(c.scale)
		if err != nil {
			t.Fatal(err)
		}
		if got.Amount != c.want || got.Scale != c.scale || rem.Amount != c.rem || rem.Scale != c.in.Scale {
			t.Errorf("%+v -> %d: got %+v rem %+v", c.in, c.scale, got, rem)
		}
	}
	if _, _, err := (Quantity{"-1", 0}).Normalize(2); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("negative: %v", err)
	}
	if _, _, err := (Quantity{"1.5", 0}).Normalize(2); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("fraction: %v", err)
	}
}

func TestQuantityUint64(t *testing.T) {
	if n, err := NewQuantity(42, 2).Uint64(); err != nil || n != 42 {
		t.Fatalf("got %d %v", n, err)
	}
	if _, err := (Quantity{"18446744073709551616", 0}).Uint64(); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("overflow: %v", err)
	}
}

func TestQuantityJSON(t *testing.T) {
	b, _ := json.Marshal(NewQuantity(100, 18))
	if string(b) != `{"amount":"100","scale":18}` {
		t.Fatalf("marshal: %s", b)
	}
	var q Quantity
	if err := json.Unmarshal([]byte(`{"amount": 250, "scale": 6}`), &q); err != nil || q.Amount != "250" || q.Scale != 6 {
		t.Fatalf("bare number: %+v %v", q, err)
	}
	if err := json.Unmarshal([]byte(`{"amount": "250", "scale": 6}`), &q); err != nil || q.Amount != "250" {
		t.Fatalf("string: %+v %v", q, err)
	}
	if err := json.Unmarshal([]byte(`{"amount": "abc", "scale": 6}`), &q); err == nil {
		t.Fatal("expected error for non-numeric amount")
	}
}
