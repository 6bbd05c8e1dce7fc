package segment

import (
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"blank runs collapse", "A\n\nB\n\n\nC", []string{"A", "B", "C"}},
		{"whitespace around boundary", "  first  \n \t\n   second\n", []string{"first", "second"}},
		{"single newline kept", "line one\nline two\n\nnext", []string{"line one\nline two", "next"}},
		{"crlf", "A\r\n\r\nB", []string{"A", "B"}},
		{"leading and trailing blanks", "\n\n\nA\n\n\n", []string{"A"}},
		{"no boundary", "just one paragraph", []string{"just one paragraph"}},
		{"duplicates kept", "same\n\nsame", []string{"same", "same"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplit_AllWhitespace(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\n\n", " \t\n \n\t "} {
		if got := Split(in); len(got) != 0 {
			t.Errorf("Split(%q) = %q, want empty", in, got)
		}
	}
}

func TestPage(t *testing.T) {
	paras := Page(2, "alpha\n\nbeta")
	if len(paras) != 2 {
		t.Fatalf("got %d paragraphs, want 2", len(paras))
	}
	for i, p := range paras {
		if p.Page != 2 {
			t.Errorf("paras[%d].Page = %d, want 2", i, p.Page)
		}
		if p.Index != i {
			t.Errorf("paras[%d].Index = %d, want %d", i, p.Index, i)
		}
	}
	if got := Texts(paras); !reflect.DeepEqual(got, []string{"alpha", "beta"}) {
		t.Errorf("Texts = %q", got)
	}
}

func TestPage_Blank(t *testing.T) {
	if paras := Page(0, "  \n\n "); paras != nil {
		t.Errorf("Page(blank) = %v, want nil", paras)
	}
}
