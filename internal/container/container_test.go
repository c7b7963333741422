package container

import "testing"

func TestNewSessionIsAlwaysFirstShape(t *testing.T) {
	s := NewSession()
	if s.ID != "session" {
		t.Fatalf("ID = %q, want %q", s.ID, "session")
	}
	if s.ProviderName != "session" {
		t.Fatalf("ProviderName = %q, want %q", s.ProviderName, "session")
	}
	if s.Variant != VariantSession {
		t.Fatalf("Variant = %v, want VariantSession", s.Variant)
	}
}

func TestVariantString(t *testing.T) {
	tests := []struct {
		v    Variant
		want string
	}{
		{VariantSession, "session"},
		{VariantPodman, "podman"},
		{VariantToolbox, "toolbox"},
		{VariantDistrobox, "distrobox"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("Variant(%d).String() = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestMaybeStartNoOpForSession(t *testing.T) {
	s := NewSession()
	if err := s.MaybeStart(); err != nil {
		t.Fatalf("session MaybeStart: %v", err)
	}
}

func TestTranslateURIIsIdentity(t *testing.T) {
	c := NewPodman("deadbeef", "my-box", VariantDistrobox, nil)
	uri := "file:///home/alice/project/main.go"
	if got := c.TranslateURI(uri); got != uri {
		t.Fatalf("TranslateURI(%q) = %q, want unchanged", uri, got)
	}
}

func TestFindProgramInPathSessionUsesOwnPath(t *testing.T) {
	s := NewSession()
	path, err := s.FindProgramInPath("ls")
	if err != nil {
		t.Fatalf("FindProgramInPath(ls): %v", err)
	}
	if path == "" {
		t.Fatalf("expected non-empty path for ls")
	}
}

func TestFindProgramInPathSessionNotFound(t *testing.T) {
	s := NewSession()
	if _, err := s.FindProgramInPath("definitely-not-a-real-binary-xyz"); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestSpawnRejectsEmptyArgv(t *testing.T) {
	s := NewSession()
	_, err := s.Spawn(SpawnRequest{}, "/org/addt/Process/1", nil)
	if err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

func TestBuildContentLayerVariants(t *testing.T) {
	for _, variant := range []Variant{VariantSession, VariantPodman, VariantToolbox, VariantDistrobox} {
		c := &Container{ID: "deadbeef", Variant: variant, Labels: map[string]string{}}
		l := c.buildContentLayer()
		if l == nil {
			t.Fatalf("variant %v: buildContentLayer returned nil", variant)
		}
		if l.Handler == nil {
			t.Fatalf("variant %v: expected a custom handler", variant)
		}
	}
}
