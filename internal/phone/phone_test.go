package phone

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already canonical", "+201112223344", "+201112223344"},
		{"spaces and dashes", " +20 111-222-3344 ", "+201112223344"},
		{"parentheses", "+1 (555) 123-4567", "+15551234567"},
		{"double plus", "++201112223344", "+201112223344"},
		{"international 00 prefix", "00201112223344", "+201112223344"},
		{"bare digits", "201112223344", "+201112223344"},
		{"too short", "+12345", ""},
		{"too long", "+1234567890123456", ""},
		{"not a number", "call me maybe", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"+201112223344",
		" 0044 7911 123456 ",
		"+1 (555) 123-4567",
		"+9665 0123 4567",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if once == "" {
			t.Fatalf("Normalize(%q) unexpectedly empty", in)
		}
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestDetectCountry(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+201112223344", "+20"},
		{"+20 111 222 3344", "+20"},
		{"+966501234567", "+966"},
		{"+9715012345678", "+971"},
		{"+12425551234", "+1242"},
		{"+15551234567", "+1"},
		{"+999999999999", "+1"},
	}
	for _, tt := range tests {
		if got := DetectCountry(tt.in); got != tt.want {
			t.Fatalf("DetectCountry(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectCountryStableUnderNoise(t *testing.T) {
	base := DetectCountry("+201112223344")
	noisy := DetectCountry(Normalize(" +20 111-222-3344 "))
	if base != noisy {
		t.Fatalf("detection unstable: %q vs %q", base, noisy)
	}
}

func TestExtractLastDigits(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"+201112223344", 3, "344"},
		{"+201112223344", 2, "44"},
		{"12345", 8, "12345"},
		{"+20", 3, "20"},
		{"", 3, ""},
		{"+201112223344", 0, ""},
	}
	for _, tt := range tests {
		if got := ExtractLastDigits(tt.in, tt.n); got != tt.want {
			t.Fatalf("ExtractLastDigits(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestCountryName(t *testing.T) {
	if got := CountryName("+20"); got != "Egypt" {
		t.Fatalf("CountryName(+20) = %q", got)
	}
	if got := CountryName("+0"); got != "" {
		t.Fatalf("CountryName(+0) = %q, want empty", got)
	}
}
