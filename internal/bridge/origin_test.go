package bridge_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/docsassist/web-ui/internal/bridge"
	"gopkg.in/yaml.v3"
)

func TestOrigins(t *testing.T) {
	policy := bridge.Origins("https://A.Example.com", "https://b.example.com:443", "")

	if policy.IsWildcard() {
		t.Error("IsWildcard() = true, want false")
	}

	want := []string{"https://a.example.com", "https://b.example.com"}
	if got := policy.List(); !slices.Equal(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	for _, origin := range []string{
		"https://a.example.com",
		"HTTPS://A.EXAMPLE.COM",
		"https://b.example.com",
		"https://b.example.com:443",
	} {
		if !policy.Allows(origin) {
			t.Errorf("Allows(%q) = false, want true", origin)
		}
	}
	for _, origin := range []string{"https://c.example.com", "http://a.example.com", ""} {
		if policy.Allows(origin) {
			t.Errorf("Allows(%q) = true, want false", origin)
		}
	}
}

func TestAllOrigins(t *testing.T) {
	policy := bridge.AllOrigins()

	if !policy.IsWildcard() {
		t.Error("IsWildcard() = false, want true")
	}
	if !policy.Allows("https://anyone.example.com") {
		t.Error("Allows() = false, want the wildcard to trust everything")
	}
	if got := policy.List(); len(got) != 0 {
		t.Errorf("List() = %v, want empty", got)
	}
}

func TestResolveOrigin(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		want    string
		wantErr bool
	}{
		{
			name:   "Plain URL",
			rawURL: "https://docs.example.com/path?q=1",
			want:   "https://docs.example.com",
		},
		{
			name:   "Uppercase host",
			rawURL: "https://Docs.Example.COM",
			want:   "https://docs.example.com",
		},
		{
			name:   "Default https port",
			rawURL: "https://docs.example.com:443/app",
			want:   "https://docs.example.com",
		},
		{
			name:   "Default http port",
			rawURL: "http://docs.example.com:80",
			want:   "http://docs.example.com",
		},
		{
			name:   "Explicit port",
			rawURL: "http://docs.example.com:8080",
			want:   "http://docs.example.com:8080",
		},
		{
			name:    "Relative URL",
			rawURL:  "/app",
			wantErr: true,
		},
		{
			name:    "Bare host",
			rawURL:  "docs.example.com",
			wantErr: true,
		},
		{
			name:    "Empty",
			rawURL:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bridge.ResolveOrigin(tt.rawURL)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveOrigin(%q) error = %v, wantErr %v", tt.rawURL, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveOrigin(%q) = %v, want %v", tt.rawURL, got, tt.want)
			}
		})
	}
}

func TestOriginPolicyYAML(t *testing.T) {
	type cfg struct {
		Origins bridge.OriginPolicy `yaml:"origins"`
	}

	t.Run("Wildcard", func(t *testing.T) {
		var c cfg
		if err := yaml.Unmarshal([]byte(`origins: "*"`), &c); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if !c.Origins.IsWildcard() {
			t.Error("IsWildcard() = false, want true")
		}
	})

	t.Run("List", func(t *testing.T) {
		var c cfg
		data := "origins:\n  - https://a.example.com\n"
		if err := yaml.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if !c.Origins.Allows("https://a.example.com") {
			t.Error("Allows() = false, want the listed origin to be trusted")
		}
		if c.Origins.Allows("https://b.example.com") {
			t.Error("Allows() = true, want unlisted origins to be rejected")
		}
	})

	t.Run("Absent", func(t *testing.T) {
		var c cfg
		if err := yaml.Unmarshal([]byte(`{}`), &c); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if c.Origins.IsWildcard() {
			t.Error("IsWildcard() = true, want the default variant")
		}
		if got := c.Origins.List(); len(got) != 0 {
			t.Errorf("List() = %v, want empty before resolution", got)
		}
	})

	t.Run("Invalid scalar", func(t *testing.T) {
		var c cfg
		err := yaml.Unmarshal([]byte(`origins: everything`), &c)
		if err == nil {
			t.Fatal("Unmarshal() error = nil, want rejection")
		}
		if !strings.Contains(err.Error(), "origins must be") {
			t.Errorf("error = %v, want the policy form error", err)
		}
	})

	t.Run("Mapping", func(t *testing.T) {
		var c cfg
		if err := yaml.Unmarshal([]byte("origins:\n  a: b\n"), &c); err == nil {
			t.Fatal("Unmarshal() error = nil, want rejection")
		}
	})
}
