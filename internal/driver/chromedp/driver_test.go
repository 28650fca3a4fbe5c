package chromedp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/scrape"
)

func TestNewFactoryValidatesExecPath(t *testing.T) {
	t.Parallel()

	if _, err := NewFactory(Config{ExecPath: "/nonexistent/chrome"}, nil, nil); err == nil {
		t.Fatal("expected error for missing browser binary")
	}

	dir := t.TempDir()
	plain := filepath.Join(dir, "chrome")
	if err := os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := NewFactory(Config{ExecPath: plain}, nil, nil); err == nil {
		t.Fatal("expected error for non-executable binary")
	}

	if err := os.Chmod(plain, 0o700); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	factory, err := NewFactory(Config{ExecPath: plain}, nil, nil)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	if factory.cfg.NavTimeout != 15*time.Second {
		t.Fatalf("expected default nav timeout, got %v", factory.cfg.NavTimeout)
	}
	if factory.cfg.MaxProducts != 5 {
		t.Fatalf("expected default max products, got %d", factory.cfg.MaxProducts)
	}
}

func TestExecuteBeforeStartFails(t *testing.T) {
	t.Parallel()

	factory, err := NewFactory(Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	d := factory.NewDriver("h-1")

	_, err = d.Execute(context.Background(), browser.Task{ID: "t", Kind: browser.TaskKindRender, URL: "https://example.com"})
	var execErr *browser.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}

	if err := d.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure before start")
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()

	factory, _ := NewFactory(Config{}, nil, nil)
	d := factory.NewDriver("h-2")
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestResolveSites(t *testing.T) {
	t.Parallel()

	registry := scrape.NewRegistry(nil)
	factory, _ := NewFactory(Config{DefaultTargets: []string{"220volt.kz", "elcentre.kz"}}, registry, nil)
	d, ok := factory.NewDriver("h-3").(*Driver)
	if !ok {
		t.Fatal("expected *Driver")
	}

	sites, err := d.resolveSites(browser.Task{Kind: browser.TaskKindScrape, URL: "https://elcentre.kz/site_search?search_term=x"})
	if err != nil {
		t.Fatalf("resolveSites() error = %v", err)
	}
	if len(sites) != 1 || sites[0].Domain != "elcentre.kz" {
		t.Fatalf("expected single elcentre.kz site, got %+v", sites)
	}

	sites, err = d.resolveSites(browser.Task{Kind: browser.TaskKindScrape})
	if err != nil {
		t.Fatalf("resolveSites() error = %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("expected both default targets, got %+v", sites)
	}

	if _, err := d.resolveSites(browser.Task{Kind: browser.TaskKindScrape, URL: "https://unknown.example"}); err == nil {
		t.Fatal("expected error for unsupported site")
	}
}

func TestExecuteRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	factory, _ := NewFactory(Config{}, nil, nil)
	d, _ := factory.NewDriver("h-4").(*Driver)
	d.started = true // pretend Start succeeded; unknown kind is rejected first

	_, err := d.Execute(context.Background(), browser.Task{ID: "t", Kind: "transcode"})
	var execErr *browser.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError for unknown kind, got %v", err)
	}
}
