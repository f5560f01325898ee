package money

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"whole", "10000", 1_000_000},
		{"two decimals", "10000.00", 1_000_000},
		{"one decimal", "0.5", 50},
		{"centavo", "0.01", 1},
		{"leading dot", ".75", 75},
		{"trailing zeros beyond precision", "12.3400", 1234},
		{"leading zeros", "007.50", 750},
		{"surrounding space", " 42.10 ", 4210},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if got.Units() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Units(), tt.expected)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		input string
		want  error
	}{
		{"", ErrInvalidAmount},
		{"-1", ErrNegative},
		{"1.001", ErrPrecision},
		{"1.2.3", ErrInvalidAmount},
		{"1.x00", ErrInvalidAmount},
		{"1.0000x", ErrInvalidAmount},
		{"1e5", ErrInvalidAmount},
		{"abc", ErrInvalidAmount},
		{"1.", ErrInvalidAmount},
		{"99999999999999999999", ErrOverflow},
	}

	for _, tt := range tests {
		_, err := Parse(tt.input)
		if !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) error = %v, want %v", tt.input, err, tt.want)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		amount Amount
		want   string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{50, "0.50"},
		{1_000_000, "10000.00"},
		{-250, "-2.50"},
	}
	for _, tt := range tests {
		if got := tt.amount.String(); got != tt.want {
			t.Errorf("Amount(%d).String() = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestSplit_ResaleExample(t *testing.T) {
	admin, seller := MustParse("10000").Split(Rate(800))
	if admin != MustParse("800") {
		t.Errorf("Expected admin share 800.00, got %s", admin)
	}
	if seller != MustParse("9200") {
		t.Errorf("Expected seller share 9200.00, got %s", seller)
	}
}

func TestSplit_SumsExactlyAndRoundsDown(t *testing.T) {
	rates := []Rate{0, 1, 300, 800, 3000, 3333, 9999, 10000}
	for units := int64(0); units < 2000; units += 7 {
		for _, r := range rates {
			a := FromUnits(units)
			share, rest := a.Split(r)
			if share+rest != a {
				t.Fatalf("Split(%s, %s): %s + %s != %s", a, r, share, rest, a)
			}
			// floor: share*10000 <= a*r < (share+1)*10000
			if share.Units()*BasisPoints > units*int64(r) || (share.Units()+1)*BasisPoints <= units*int64(r) {
				t.Fatalf("Split(%s, %s): share %s is not rounded down", a, r, share)
			}
		}
	}
}

func TestMulRateFloor_LargeAmountDoesNotOverflow(t *testing.T) {
	a := FromUnits(900_000_000_000_000_000)
	got := a.MulRateFloor(Rate(800))
	if got != FromUnits(72_000_000_000_000_000) {
		t.Errorf("Expected 8%% of large amount, got %d", got.Units())
	}
}

func TestJSON(t *testing.T) {
	var v struct {
		Price Amount `json:"price"`
	}
	if err := json.Unmarshal([]byte(`{"price":"10000.00"}`), &v); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if v.Price != FromWhole(10000) {
		t.Errorf("Expected 10000.00, got %s", v.Price)
	}
	if err := json.Unmarshal([]byte(`{"price":12.5}`), &v); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if v.Price != FromUnits(1250) {
		t.Errorf("Expected 12.50, got %s", v.Price)
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"price":"12.50"}` {
		t.Errorf("Expected string encoding, got %s", out)
	}
}

func TestScan(t *testing.T) {
	var a Amount
	if err := a.Scan([]byte("9200.00")); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if a != FromWhole(9200) {
		t.Errorf("Expected 9200.00, got %s", a)
	}
	if err := a.Scan(nil); err != nil || a != 0 {
		t.Errorf("Expected zero from NULL, got %s (%v)", a, err)
	}
	if err := a.Scan(3.14); err == nil {
		t.Error("Expected error scanning float64")
	}
}

func TestParseRate(t *testing.T) {
	if _, err := ParseRate(-1); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("Expected ErrInvalidRate for negative rate, got %v", err)
	}
	if _, err := ParseRate(10001); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("Expected ErrInvalidRate above 100%%, got %v", err)
	}
	r, err := ParseRate(800)
	if err != nil {
		t.Fatalf("ParseRate(800): %v", err)
	}
	if r.String() != "8.00%" {
		t.Errorf("Expected 8.00%%, got %s", r)
	}
	if Percent(30).Complement() != Percent(70) {
		t.Errorf("Expected complement of 30%% to be 70%%")
	}
}
