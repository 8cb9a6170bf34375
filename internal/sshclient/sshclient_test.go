package sshclient

import (
	"testing"

	"github.com/ankouros/dutconsole/internal/model"
)

func TestAuthMethodPassword(t *testing.T) {
	dev := model.Device{
		Auth: model.AuthConfig{
			Method: model.AuthPassword,
		},
	}

	t.Run("no provider", func(t *testing.T) {
		if _, _, err := authMethod(dev, nil); err == nil {
			t.Fatal("expected error when password provider is missing")
		}
	})

	t.Run("stored password", func(t *testing.T) {
		d := dev
		d.Auth.Password = "secret"
		auth, _, err := authMethod(d, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if auth == nil {
			t.Fatal("expected auth method, got nil")
		}
	})

	t.Run("with provider", func(t *testing.T) {
		called := 0
		auth, _, err := authMethod(dev, func() (string, error) {
			called++
			return "secret", nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if auth == nil {
			t.Fatalf("expected auth method, got nil")
		}
		if called != 0 {
			t.Fatalf("password provider should not be invoked before handshake")
		}
	})
}

func TestAuthMethodUnknown(t *testing.T) {
	dev := model.Device{Auth: model.AuthConfig{Method: "telepathy"}}
	if _, _, err := authMethod(dev, nil); err == nil {
		t.Fatal("expected error for unknown auth method")
	}
}

func TestAuthMethodAgentWithoutSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	dev := model.Device{Auth: model.AuthConfig{Method: model.AuthAgent}}
	if _, _, err := authMethod(dev, nil); err == nil {
		t.Fatal("expected error when SSH_AUTH_SOCK is unset")
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/lab")
	if got := expandHome("~/.ssh/id_rsa"); got != "/home/lab/.ssh/id_rsa" {
		t.Fatalf("expandHome = %q", got)
	}
	if got := expandHome("/etc/key"); got != "/etc/key" {
		t.Fatalf("expandHome = %q", got)
	}
}
