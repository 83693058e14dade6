package config

import (
	"os"
	"testing"

	"livebot/pkg/logx"
)

func TestManagerReloadPublishes(t *testing.T) {
	path := writeConfig(t, validConfig)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	updated := "telegram:\n  token: \"456:def\"\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()

	select {
	case cfg := <-ch:
		if cfg.Telegram.Token != "456:def" {
			t.Fatalf("published token = %q", cfg.Telegram.Token)
		}
	default:
		t.Fatal("no config published after reload")
	}
	if m.Get().Telegram.Token != "456:def" {
		t.Fatal("Get() not updated")
	}
}

func TestManagerRejectsInvalidEdit(t *testing.T) {
	path := writeConfig(t, validConfig)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("telegram: {tokne: bad}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()
	// Last good config stays active.
	if m.Get().Telegram.Token != "123:abc" {
		t.Fatalf("invalid edit replaced config: %q", m.Get().Telegram.Token)
	}
}

func TestManagerSkipsUnchangedContent(t *testing.T) {
	path := writeConfig(t, validConfig)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	m.reload() // same bytes on disk: no publish
	select {
	case <-ch:
		t.Fatal("unchanged content was republished")
	default:
	}
}
