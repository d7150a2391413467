package route

import (
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Order  int
	Loader RouterLoader
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

// Loaders returns the registered loaders sorted by order.
func Loaders() []RouterLoader {
	mu.Lock()
	sorted := append([]Plugin(nil), plugins...)
	mu.Unlock()
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	loaders := make([]RouterLoader, 0, len(sorted))
	for _, p := range sorted {
		loaders = append(loaders, p.Loader)
	}
	return loaders
}
