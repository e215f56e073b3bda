package messaging

import (
	"testing"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		name      string
		recipient string
		want      string
		wantErr   bool
	}{
		{
			name:      "already canonical E.164",
			recipient: "+5215512345678",
			want:      "+5215512345678",
		},
		{
			name:      "bare digits get plus prefix",
			recipient: "5215512345678",
			want:      "+5215512345678",
		},
		{
			name:      "twilio whatsapp addressing",
			recipient: "whatsapp:+5215512345678",
			want:      "+5215512345678",
		},
		{
			name:      "formatted number with spaces and dashes",
			recipient: "+52 1 55-1234-5678",
			want:      "+5215512345678",
		},
		{
			name:      "empty recipient",
			recipient: "",
			wantErr:   true,
		},
		{
			name:      "no digits at all",
			recipient: "not-a-number",
			wantErr:   true,
		},
		{
			name:      "too short",
			recipient: "12345",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalizePhone(tt.recipient)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("canonicalizePhone(%q) = %q; want error", tt.recipient, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("canonicalizePhone(%q) returned error: %v", tt.recipient, err)
			}
			if got != tt.want {
				t.Errorf("canonicalizePhone(%q) = %q; want %q", tt.recipient, got, tt.want)
			}
		})
	}
}
