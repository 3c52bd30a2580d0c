package mail

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want Address
	}{
		{"Ada Lovelace <ada@example.com>", Address{Name: "Ada Lovelace", Email: "ada@example.com"}},
		{"ada@example.com", Address{Email: "ada@example.com"}},
		{"<ada@example.com>", Address{Email: "ada@example.com"}},
		{`"Lovelace, Ada" <ada@example.com>`, Address{Name: "Lovelace, Ada", Email: "ada@example.com"}},
		{"  spaced@example.com  ", Address{Email: "spaced@example.com"}},
		{"not an address at all", Address{Email: "not an address at all"}},
		{"", Address{Email: ""}},
	}
	for _, tc := range cases {
		if got := ParseAddress(tc.in); got != tc.want {
			t.Errorf("ParseAddress(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseAddressList(t *testing.T) {
	cases := []struct {
		in   string
		want []Address
	}{
		{
			in: "alice@example.com, Bob <bob@example.com>",
			want: []Address{
				{Email: "alice@example.com"},
				{Name: "Bob", Email: "bob@example.com"},
			},
		},
		{
			in: `"Doe, Jane" <jane@example.com>, carol@example.com`,
			want: []Address{
				{Name: "Doe, Jane", Email: "jane@example.com"},
				{Email: "carol@example.com"},
			},
		},
		{in: "", want: nil},
		{in: "   ", want: nil},
		{in: "solo@example.com", want: []Address{{Email: "solo@example.com"}}},
	}
	for _, tc := range cases {
		got := ParseAddressList(tc.in)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParseAddressList(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestDisplay(t *testing.T) {
	a := Address{Name: "Ada", Email: "ada@example.com"}
	if got, want := a.Display(), "Ada <ada@example.com>"; got != want {
		t.Errorf("Display() = %q, want %q", got, want)
	}
	b := Address{Email: "ada@example.com"}
	if got, want := b.Display(), "ada@example.com"; got != want {
		t.Errorf("Display() = %q, want %q", got, want)
	}
}

func TestCanonicalLabel(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"inbox", "INBOX"},
		{"Inbox", "INBOX"},
		{"SENT", "SENT"},
		{"drafts", "DRAFT"},
		{"Label_42", "Label_42"},
	}
	for _, tc := range cases {
		if got := CanonicalLabel(tc.in); got != tc.want {
			t.Errorf("CanonicalLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAvatarColorStable(t *testing.T) {
	a := AvatarColor("ada@example.com")
	b := AvatarColor("ada@example.com")
	if a != b {
		t.Errorf("AvatarColor not stable: %q != %q", a, b)
	}
	if a == AvatarColor("someone.else@example.com") {
		t.Errorf("distinct emails should usually differ: both %q", a)
	}
}
