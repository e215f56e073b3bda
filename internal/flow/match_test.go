package flow

import "testing"

func TestFold(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Sí", "si"},
		{"CONFIRMO", "confirmo"},
		{"Qué día", "que dia"},
		{"año", "ano"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAnswer(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"¡CONFIRMO!", "confirmo"},
		{"  sí,  por favor. ", "si por favor"},
		{"el 6 de enero", "el 6 de enero"},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := normalizeAnswer(tt.in); got != tt.want {
			t.Errorf("normalizeAnswer(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchesPhrase(t *testing.T) {
	tests := []struct {
		text   string
		phrase string
		want   bool
	}{
		{"confirmo", "confirmo", true},
		{"¡CONFIRMO!", "confirmo", true},
		{"  Confirmó  ", "confirmo", true},
		{"sí confirmo", "confirmo", false}, // containment is not enough
		{"si", "confirmo", false},
	}
	for _, tt := range tests {
		if got := MatchesPhrase(tt.text, tt.phrase); got != tt.want {
			t.Errorf("MatchesPhrase(%q, %q) = %v; want %v", tt.text, tt.phrase, got, tt.want)
		}
	}
}

func TestMatchOption(t *testing.T) {
	options := []string{"Rosca de Reyes", "Pastel Tres Leches", "Pan de Muerto"}

	tests := []struct {
		name    string
		text    string
		wantIdx int
		wantOK  bool
	}{
		{"number picks by position", "2", 1, true},
		{"number out of range", "7", -1, false},
		{"exact name", "pastel tres leches", 1, true},
		{"accented exact", "PASTEL TRES LECHES", 1, true},
		{"unique containment", "rosca", 0, true},
		{"containment inside longer input", "quiero el pan de muerto", 2, true},
		{"too short", "pa", -1, false},
		{"no match", "croissant", -1, false},
		{"empty", "   ", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := matchOption(tt.text, options)
			if idx != tt.wantIdx || ok != tt.wantOK {
				t.Errorf("matchOption(%q) = (%d, %v); want (%d, %v)", tt.text, idx, ok, tt.wantIdx, tt.wantOK)
			}
		})
	}

	if _, ok := matchOption("1", nil); ok {
		t.Error("matchOption with no options should not match")
	}

	// A fragment contained in more than one option must not pick either.
	sizes := []string{"Rosca de Reyes Grande", "Rosca de Reyes Chica"}
	if _, ok := matchOption("rosca", sizes); ok {
		t.Error("matchOption with an ambiguous fragment should not match")
	}
	if idx, ok := matchOption("chica", sizes); !ok || idx != 1 {
		t.Errorf("matchOption(chica) = (%d, %v); want (1, true)", idx, ok)
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		text   string
		want   int
		wantOK bool
	}{
		{"2", 2, true},
		{"quiero 3 roscas", 3, true},
		{"dos", 2, true},
		{"una", 1, true},
		{"media docena", 6, true},
		{"una docena", 12, true},
		{"docena", 12, true},
		{"0", 0, false},
		{"501", 0, false},
		{"muchas", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseQuantity(tt.text)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseQuantity(%q) = (%d, %v); want (%d, %v)", tt.text, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestFormatDateSpanish(t *testing.T) {
	if got := formatDateSpanish("2026-01-06"); got != "6 de enero" {
		t.Errorf("formatDateSpanish(2026-01-06) = %q; want %q", got, "6 de enero")
	}
	// Unparseable input passes through untouched.
	if got := formatDateSpanish("mañana"); got != "mañana" {
		t.Errorf("formatDateSpanish(mañana) = %q; want passthrough", got)
	}
}

func TestMatchDate(t *testing.T) {
	dates := []string{"2026-01-05", "2026-01-06"}

	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{"position", "2", "2026-01-06", true},
		{"position out of range", "3", "", false},
		{"spanish date", "el 6 de enero", "2026-01-06", true},
		{"spanish date short", "6 enero por favor", "2026-01-06", true},
		{"iso form", "2026-01-05", "2026-01-05", true},
		{"month alone is not enough", "enero", "", false},
		{"no match", "el viernes", "", false},
		{"empty dates", "1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := dates
			if tt.name == "empty dates" {
				ds = nil
			}
			got, ok := matchDate(tt.text, ds)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("matchDate(%q) = (%q, %v); want (%q, %v)", tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestIsAffirmative(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"sí", true},
		{"Si, claro", true},
		{"claro", true},
		{"así es", true},
		{"confirmo", false},
		{"no", false},
		{"quesillo", false},
	}
	for _, tt := range tests {
		if got := isAffirmative(tt.text); got != tt.want {
			t.Errorf("isAffirmative(%q) = %v; want %v", tt.text, got, tt.want)
		}
	}
}

func TestIsNegative(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"no", true},
		{"No, ese no es", true},
		{"para nada", true},
		{"sí", false},
		{"nocturno", false},
	}
	for _, tt := range tests {
		if got := isNegative(tt.text); got != tt.want {
			t.Errorf("isNegative(%q) = %v; want %v", tt.text, got, tt.want)
		}
	}
}

func TestExtractOrderRef(t *testing.T) {
	tests := []struct {
		text   string
		want   string
		wantOK bool
	}{
		{"ORD-1234", "ORD-1234", true},
		{"mi pedido es el ord-1234, gracias", "ORD-1234", true},
		{"A1234", "A1234", true},
		{"12345", "12345", true},
		{"1234", "", false},  // bare short number, likely not a reference
		{"enero", "", false}, // no digits
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := extractOrderRef(tt.text)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("extractOrderRef(%q) = (%q, %v); want (%q, %v)", tt.text, got, ok, tt.want, tt.wantOK)
		}
	}
}
