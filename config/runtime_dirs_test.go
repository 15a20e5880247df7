package config_test

import (
	"os"
	"testing"

	"github.com/frobware/go-pktcount/config"
)

func TestNewRuntimeDirs(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		wantFS   string
		wantDB   string
		wantSock string
		wantLock string
	}{
		{
			name:     "production default",
			base:     "/run/pktcount",
			wantFS:   "/run/pktcount/fs",
			wantDB:   "/run/pktcount/db",
			wantSock: "/run/pktcount-sock",
			wantLock: "/run/pktcount/.lock",
		},
		{
			name:     "trailing slash is cleaned",
			base:     "/tmp/pktcount-test-12345/",
			wantFS:   "/tmp/pktcount-test-12345/fs",
			wantDB:   "/tmp/pktcount-test-12345/db",
			wantSock: "/tmp/pktcount-test-12345-sock",
			wantLock: "/tmp/pktcount-test-12345/.lock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := config.NewRuntimeDirs(tt.base)
			if err != nil {
				t.Fatalf("NewRuntimeDirs(%q): %v", tt.base, err)
			}
			if d.FS() != tt.wantFS {
				t.Errorf("FS() = %q, want %q", d.FS(), tt.wantFS)
			}
			if d.DB() != tt.wantDB {
				t.Errorf("DB() = %q, want %q", d.DB(), tt.wantDB)
			}
			if d.Sock() != tt.wantSock {
				t.Errorf("Sock() = %q, want %q", d.Sock(), tt.wantSock)
			}
			if d.Lock() != tt.wantLock {
				t.Errorf("Lock() = %q, want %q", d.Lock(), tt.wantLock)
			}
		})
	}
}

func TestNewRuntimeDirs_Invalid(t *testing.T) {
	for _, base := range []string{"", "relative/path"} {
		if _, err := config.NewRuntimeDirs(base); err == nil {
			t.Errorf("NewRuntimeDirs(%q) succeeded, want error", base)
		}
	}
}

func TestRuntimeDirs_Paths(t *testing.T) {
	d := config.DefaultRuntimeDirs()

	pin, err := d.MapPinPath("0b6c", "pkt_count")
	if err != nil {
		t.Fatalf("MapPinPath: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Base", d.Base(), "/run/pktcount"},
		{"SocketPath", d.SocketPath(), "/run/pktcount-sock/pktcount.sock"},
		{"DBPath", d.DBPath(), "/run/pktcount/db/store.db"},
		{"MapPinPath", pin, "/run/pktcount/fs/0b6c/pkt_count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}

	if _, err := d.MapPinPath("../escape", "pkt_count"); err == nil {
		t.Error("MapPinPath accepted an id escaping the bpffs root")
	}
}

func TestEnsureDirectories_CreatesDirs(t *testing.T) {
	d, err := config.NewRuntimeDirs(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, dir := range []string{d.Base(), d.DB(), d.Sock()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("directory %s was not created: %v", dir, err)
		}
	}

	// bpffs is only mounted on demand.
	if _, err := os.Stat(d.FS()); err == nil {
		t.Errorf("%s should not be created by EnsureDirectories", d.FS())
	}
}
