package detection

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/menta2k/detection-server/pkg/client"
)

// Factory builds a predictor, typically by loading a model from disk
type Factory func(ctx context.Context) (client.Predictor, error)

// Loader lazily creates a single predictor and hands out the same instance afterwards.
// Failed loads are not remembered, the next Get tries again.
type Loader struct {
	factory Factory

	mu        sync.Mutex
	predictor client.Predictor
}

// NewLoader creates a loader around factory
func NewLoader(factory Factory) *Loader {
	return &Loader{factory: factory}
}

// Get returns the memoized predictor, creating it on first use
func (l *Loader) Get(ctx context.Context) (client.Predictor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.predictor != nil {
		return l.predictor, nil
	}

	log.Debug("[Loader] Loading model")
	p, err := l.factory(ctx)
	if err != nil {
		log.Warnf("[Loader] Couldn't load model: %v", err)
		return nil, err
	}
	l.predictor = p
	return p, nil
}

// Loaded reports whether a predictor has been created
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.predictor != nil
}

// Close releases the predictor; a later Get loads it again
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.predictor == nil {
		return nil
	}
	err := l.predictor.Close()
	l.predictor = nil
	return err
}
