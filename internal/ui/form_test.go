package ui

import (
	"testing"
)

func TestParseQuickExpose(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantID   string
		wantDial string
		wantErr  bool
	}{
		{
			name:     "port only",
			input:    "3000",
			wantID:   "expose-3000",
			wantDial: "127.0.0.1:3000",
		},
		{
			name:     "name@port",
			input:    "myapp@3000",
			wantID:   "myapp",
			wantDial: "127.0.0.1:3000",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "whitespace only",
			input:   "   ",
			wantErr: true,
		},
		{
			name:     "with leading/trailing spaces",
			input:    "  3000  ",
			wantID:   "expose-3000",
			wantDial: "127.0.0.1:3000",
		},
		{
			name:    "port out of range",
			input:   "70000",
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   "myapp@notaport",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decl, err := parseQuickExpose(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decl.ID != tt.wantID {
				t.Errorf("id: want %q, got %q", tt.wantID, decl.ID)
			}
			if decl.Dial != tt.wantDial {
				t.Errorf("dial: want %q, got %q", tt.wantDial, decl.Dial)
			}
			if len(decl.Hosts) != 1 || decl.Hosts[0] != decl.ID+".localhost" {
				t.Errorf("hosts: want [%s.localhost], got %v", decl.ID, decl.Hosts)
			}
		})
	}
}

func TestBuildDeclarationRequiresIDAndValidPort(t *testing.T) {
	f := newServiceFormModel()
	f.fields[fieldPort].SetValue("3000")
	if _, err := f.buildDeclaration(); err == nil {
		t.Fatal("expected error for missing id")
	}

	f.fields[fieldID].SetValue("myapp")
	f.fields[fieldPort].SetValue("not-a-port")
	if _, err := f.buildDeclaration(); err == nil {
		t.Fatal("expected error for invalid port")
	}

	f.fields[fieldPort].SetValue("8080")
	decl, err := f.buildDeclaration()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decl.ID != "myapp" || decl.Dial != "127.0.0.1:8080" || decl.Subdomain != "myapp" {
		t.Fatalf("unexpected declaration: %+v", decl)
	}
}
