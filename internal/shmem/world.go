package shmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rshmem/internal/bootstrap"
	"github.com/yuuki/rshmem/internal/rdma"
)

// World runs every PE of a job inside one process over a shared fabric.
type World struct {
	fabric *rdma.Fabric
	pes    []*Context
}

// NewWorld brings up opts.WorldSize PEs that rendezvous through store.
func NewWorld(ctx context.Context, store bootstrap.Store, opts Options) (*World, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	w := &World{
		fabric: rdma.NewFabric(),
		pes:    make([]*Context, opts.WorldSize),
	}

	// A failed PE would leave the others blocked in the exchange.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for r := range w.pes {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			pe, err := NewContext(ctx, rank, w.fabric, store, opts)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("rank %d: %w", rank, err))
				mu.Unlock()
				cancel()
				return
			}
			w.pes[rank] = pe
		}(r)
	}
	wg.Wait()

	if err := result.ErrorOrNil(); err != nil {
		for _, pe := range w.pes {
			if pe != nil {
				pe.dev.Close()
				pe.deregister()
			}
		}
		return nil, err
	}
	log.Info().Int("worldSize", opts.WorldSize).Msg("World started")
	return w, nil
}

// Size returns the number of PEs.
func (w *World) Size() int { return len(w.pes) }

// PE returns the context of rank.
func (w *World) PE(rank int) *Context { return w.pes[rank] }

// Fabric returns the fabric the PEs share.
func (w *World) Fabric() *rdma.Fabric { return w.fabric }

// Run calls fn on every PE concurrently, one goroutine per PE, and returns
// the errors of all PEs that failed.
func (w *World) Run(fn func(pe *Context) error) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, pe := range w.pes {
		wg.Add(1)
		go func(pe *Context) {
			defer wg.Done()
			if err := fn(pe); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("rank %d: %w", pe.rank, err))
				mu.Unlock()
			}
		}(pe)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// Close drains every PE before tearing any of them down.
func (w *World) Close() error {
	var result *multierror.Error
	for _, pe := range w.pes {
		if err := pe.Quiet(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rank %d: %w", pe.rank, err))
		}
	}
	for _, pe := range w.pes {
		if err := pe.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rank %d: %w", pe.rank, err))
		}
	}
	return result.ErrorOrNil()
}
