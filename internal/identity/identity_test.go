package identity

import "testing"

func TestNormalizeContact(t *testing.T) {
	cases := map[string]string{
		"User@Example.COM":    "user@example.com",
		"  user@example.com ": "user@example.com",
		"+7 (705) 123-45-67":  "+77051234567",
		"8 705 123 45 67":     "87051234567",
		"+7-705-123-45-67":    "+77051234567",
		"705.123.45.67":       "7051234567",
		"":                    "",
		"   ":                 "",
	}
	for in, want := range cases {
		if got := NormalizeContact(in); got != want {
			t.Errorf("NormalizeContact(%q) = %q, want %q", in, got, want)
		}
	}
}
