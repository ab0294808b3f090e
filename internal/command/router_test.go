package command

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		content  string
		ok       bool
		name     string
		args     []string
	}{
		{"/start", true, "start", nil},
		{"/queue steer", true, "queue", []string{"steer"}},
		{"/QUEUE Steer", true, "queue", []string{"Steer"}},
		{"/help@fleetbot", true, "help", nil},
		{"  /new  ", true, "new", nil},
		{"hello", false, "", nil},
		{"", false, "", nil},
	}
	for _, tt := range tests {
		req, ok := Parse("telegram:1", tt.content)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v", tt.content, ok)
			continue
		}
		if !ok {
			continue
		}
		if req.Name != tt.name {
			t.Errorf("Parse(%q) name = %q", tt.content, req.Name)
		}
		if len(req.Args) != len(tt.args) {
			t.Errorf("Parse(%q) args = %v", tt.content, req.Args)
		}
	}
}

func TestDispatch(t *testing.T) {
	r := NewRouter()
	r.Register(Definition{
		Name: "echo",
		Handler: func(ctx context.Context, req Request) (string, error) {
			return strings.Join(req.Args, " "), nil
		},
	})

	out, err := r.Dispatch(context.Background(), Request{Name: "echo", Args: []string{"a", "b"}})
	if err != nil || out != "a b" {
		t.Errorf("out = %q err = %v", out, err)
	}

	_, err = r.Dispatch(context.Background(), Request{Name: "nope"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v", err)
	}
}

func TestHelpOmitsHidden(t *testing.T) {
	r := NewRouter()
	noop := func(ctx context.Context, req Request) (string, error) { return "", nil }
	r.Register(Definition{Name: "start", Hidden: true, Handler: noop})
	r.Register(Definition{Name: "queue", Args: "<mode>", Handler: noop})
	r.Register(Definition{Name: "help", Handler: noop})

	help := r.Help()
	if strings.Contains(help, "/start") {
		t.Error("hidden command listed")
	}
	if !strings.Contains(help, "/queue <mode>") {
		t.Errorf("help = %q", help)
	}
}

func TestNormalizeQueueMode(t *testing.T) {
	tests := map[string]string{
		"steer":   "steer",
		"Default": "collect",
		"RESET":   "collect",
		" collect ": "collect",
	}
	for in, want := range tests {
		if got := NormalizeQueueMode(in); got != want {
			t.Errorf("NormalizeQueueMode(%q) = %q, want %q", in, got, want)
		}
	}
}
