package internal

import (
	"io"

	"github.com/starford/quill/internal/storage"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	backend   storage.Backend
	logOutput io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithBackend overrides the backend the storage config would open.
// The caller keeps ownership and closes it.
func WithBackend(b storage.Backend) Option {
	return func(a *application) {
		a.backend = b
	}
}

// WithLogOutput sets where JSON logs are written. Defaults to stdout.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}
