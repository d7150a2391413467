package fetch

import (
	"context"
	"fmt"

	"github.com/fchat-tools/profilecache/internal/model"
)

// Fetcher retrieves a profile payload from the remote source.
type Fetcher interface {
	// FetchProfile returns the payload for identity. The payload carries the
	// character's display name in its "name" field.
	FetchProfile(ctx context.Context, identity string) (model.Payload, error)
}

// Loader creates a Fetcher from config.
type Loader func(ctx context.Context) (Fetcher, error)

// Plugin represents a fetcher plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a fetcher plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered fetcher plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named fetcher plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown fetcher %q; valid: %v", name, Names())
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, identity string) (model.Payload, error)

func (f Func) FetchProfile(ctx context.Context, identity string) (model.Payload, error) {
	return f(ctx, identity)
}
