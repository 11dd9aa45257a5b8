package dispatch

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"leading zero replaced", "081234567890", "6281234567890@c.us"},
		{"already has country code", "6281234567890", "6281234567890@c.us"},
		{"bare national number", "81234567890", "6281234567890@c.us"},
		{"punctuation stripped", "+62 812-3456-7890", "6281234567890@c.us"},
		{"spaces and dots", "0812.3456.7890", "6281234567890@c.us"},
		{"us number left alone", "15551234567", "15551234567@c.us"},
		{"existing suffix ignored as digits", "081234567890@c.us", "6281234567890@c.us"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in, "62", "@c.us")
			if got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeOtherCountryCode(t *testing.T) {
	t.Parallel()
	if got := Normalize("0712345678", "44", "@c.us"); got != "44712345678@c.us" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Normalize("44712345678", "44", "@c.us"); got != "44712345678@c.us" {
		t.Fatalf("unexpected: %q", got)
	}
}
