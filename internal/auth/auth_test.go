package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]string{
		"tok-alpha": "user-a",
		"tok-beta":  "user-b",
	})

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr bool
	}{
		{"known token", "tok-alpha", "user-a", false},
		{"second token", "tok-beta", "user-b", false},
		{"unknown token", "tok-nope", "", true},
		{"empty token", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("Verify = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if id != tt.wantID {
				t.Errorf("userID = %q, want %q", id, tt.wantID)
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	v := NewStaticVerifier(map[string]string{"tok-alpha": "user-a"})

	r := httptest.NewRequest("GET", "/v1/assistant/usage", nil)
	r.Header.Set("Authorization", "Bearer tok-alpha")
	id, err := FromRequest(v, r)
	if err != nil || id != "user-a" {
		t.Errorf("header auth = %q, %v", id, err)
	}

	// Query parameter fallback for WebSocket clients.
	r = httptest.NewRequest("GET", "/v1/assistant/ws?token=tok-alpha", nil)
	id, err = FromRequest(v, r)
	if err != nil || id != "user-a" {
		t.Errorf("query auth = %q, %v", id, err)
	}

	r = httptest.NewRequest("GET", "/v1/assistant/usage", nil)
	if _, err := FromRequest(v, r); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("missing auth = %v, want ErrUnauthorized", err)
	}
}
