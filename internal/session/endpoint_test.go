package session

import "testing"

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		secure bool
		want   string
	}{
		{"ws with path", "ws://localhost:8188/ws", false, "ws://localhost:8188/ws?clientId=abc"},
		{"http maps to ws", "http://localhost:8188", false, "ws://localhost:8188/ws?clientId=abc"},
		{"https maps to wss", "https://chat.example.com/", false, "wss://chat.example.com/ws?clientId=abc"},
		{"secure forces wss", "ws://chat.example.com/socket", true, "wss://chat.example.com/socket?clientId=abc"},
		{"existing query kept", "ws://h/ws?lang=zh", false, "ws://h/ws?clientId=abc&lang=zh"},
		{"clientId replaced", "ws://h/ws?clientId=old", false, "ws://h/ws?clientId=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Endpoint(tt.base, "abc", tt.secure)
			if err != nil {
				t.Fatalf("Endpoint() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpoint_Errors(t *testing.T) {
	for _, base := range []string{"ftp://host/ws", "ws:///ws", "://bad"} {
		if _, err := Endpoint(base, "abc", false); err == nil {
			t.Errorf("Endpoint(%q) expected error", base)
		}
	}
}
