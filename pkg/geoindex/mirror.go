package geoindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/provider"
)

// mirrorTimeout bounds each background bulk load.
const mirrorTimeout = 30 * time.Second

// Mirror forwards searches to another provider and loads the results into
// the index in the background, so the index can later serve the same area.
type Mirror struct {
	inner provider.Search
	index *Store
	wg    sync.WaitGroup
}

// NewMirror mirrors inner's results into index.
func NewMirror(inner provider.Search, index *Store) *Mirror {
	return &Mirror{inner: inner, index: index}
}

// Search returns inner's results unchanged.
func (m *Mirror) Search(ctx context.Context, lat, lng float64, radius int, category string) ([]provider.Place, error) {
	res, err := m.inner.Search(ctx, lat, lng, radius, category)
	if err != nil || len(res) == 0 {
		return res, err
	}
	batch := append([]provider.Place(nil), res...)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		n, err := m.index.IndexPlaces(ctx, batch)
		if err != nil {
			logger.Warn("elastic: mirroring %d place(s) failed: %v", len(batch), err)
			return
		}
		logger.Debug("elastic: mirrored %d/%d place(s) into %s", n, len(batch), m.index.Index)
	}()
	return res, nil
}

// Details passes through to inner when it supports lookups.
func (m *Mirror) Details(ctx context.Context, id string) (provider.PlaceDetails, error) {
	if d, ok := m.inner.(provider.Details); ok {
		return d.Details(ctx, id)
	}
	return provider.PlaceDetails{}, fmt.Errorf("mirror details: %w", provider.ErrUnsupported)
}

// Wait blocks until pending bulk loads finish.
func (m *Mirror) Wait() {
	m.wg.Wait()
}
