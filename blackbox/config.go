package blackbox

import (
	"github.com/on-the-ground/black_box_go/shared/logging"
	"go.uber.org/zap"
)

// Config holds the Reconciler settings.
type Config struct {
	Logger *zap.Logger

	// IgnoredPaths lists state subtrees that are never searched for handles.
	// A path is the sequence of exported field names, map keys (formatted with
	// fmt) and slice indexes leading to the subtree.
	IgnoredPaths [][]string

	// OnAsyncError receives failures that happen after a hook returned, such as
	// a deferred computation rejecting. Default: log only.
	OnAsyncError func(err error)
}

func NewConfig(logger *zap.Logger) Config {
	if logger == nil {
		logger = logging.Default()
	}
	return Config{
		Logger:       logger,
		OnAsyncError: func(error) {},
	}
}

// WithIgnoredPaths returns a copy of c ignoring the given paths.
func (c Config) WithIgnoredPaths(paths ...[]string) Config {
	c.IgnoredPaths = append(append([][]string(nil), c.IgnoredPaths...), paths...)
	return c
}

// WithAsyncErrorHandler returns a copy of c reporting asynchronous failures to fn.
func (c Config) WithAsyncErrorHandler(fn func(err error)) Config {
	c.OnAsyncError = fn
	return c
}

func (c Config) normalize() Config {
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.OnAsyncError == nil {
		c.OnAsyncError = func(error) {}
	}
	return c
}
