package none

import (
	"context"
	"fmt"

	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/fchat-tools/profilecache/internal/registry/fetch"
)

func init() {
	fetch.Register(fetch.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (fetch.Fetcher, error) {
			return &disabledFetcher{}, nil
		},
	})
}

type disabledFetcher struct{}

func (d *disabledFetcher) FetchProfile(_ context.Context, identity string) (model.Payload, error) {
	return nil, fmt.Errorf("remote fetching is disabled (%s)", identity)
}

var _ fetch.Fetcher = (*disabledFetcher)(nil)
