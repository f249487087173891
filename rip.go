// Package rip provides the render back-end of a high-end raster image
// processor: conversion of an already-built display list into device
// rasters delivered to a page-buffer (PGB) sink.
//
// Basic usage:
//
//	page, err := rip.NewPage(rip.DefaultConfig(), device)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = rip.Render(context.Background(), page, regions, sheets, info)
package rip

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrjoshuak/go-rip/internal/blockstore"
	"github.com/mrjoshuak/go-rip/internal/colorcache"
	"github.com/mrjoshuak/go-rip/internal/halftone"
	"github.com/mrjoshuak/go-rip/internal/pgb"
	"github.com/mrjoshuak/go-rip/internal/renderpass"
)

// Config holds the per-process options that shape how a Page's
// subsystems are constructed.
type Config struct {
	// Workers is not read by NewPage: the orchestrator runs every
	// sheet graph with an unbounded worker pool.
	Workers int

	// Strategy selects single-pass or composite+final transparency
	// handling.
	Strategy renderpass.Strategy

	// SerializeSheets forces sheets within a pass to run one at a
	// time, for surfaces that require sheet serialization.
	SerializeSheets bool

	// NumCopies is the number of times the final pass repeats over
	// the frame set.
	NumCopies int

	// PartialPaintAllowed permits a partial pass over a DL prefix
	// before interpretation completes.
	PartialPaintAllowed bool

	// ColorCacheBuckets overrides the DL color store's bucket count;
	// zero selects colorcache.NormalBuckets.
	ColorCacheBuckets int

	// HalftonePageCacheSize bounds the MHT per-page resolved-instance
	// cache.
	HalftonePageCacheSize int

	// BlockStoreBlockSizes bounds the image block store's global
	// blist reuse pool's distinct bytes_per_block buckets.
	BlockStoreBlockSizes int

	Logger *zap.Logger
}

// DefaultConfig returns the default configuration: the two-pass
// strategy, one copy, unserialized sheets and no worker limit.
func DefaultConfig() Config {
	return Config{
		Workers:               0,
		Strategy:              renderpass.StrategyTwoPass,
		NumCopies:             1,
		HalftonePageCacheSize: 64,
		BlockStoreBlockSizes:  16,
	}
}

// Page is the set of per-page subsystems a render pass runs against:
// the DL color store, the image block store, the MHT registry, and
// the PGB device boundary.
type Page struct {
	Config Config

	Colors   *colorcache.Store
	Images   *blockstore.SharedStore
	Halftone *halftone.Registry
	PGB      *pgb.Boundary

	Orchestrator *renderpass.Orchestrator
}

// NewPage wires a fresh Page's subsystems from cfg. device is the
// byte-oriented PGB device the page's render output is delivered to.
func NewPage(cfg Config, device pgb.Device) (*Page, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	buckets := cfg.ColorCacheBuckets
	if buckets == 0 {
		buckets = colorcache.NormalBuckets
	}
	colors := colorcache.NewStore(buckets)

	images, err := blockstore.NewSharedStore(cfg.BlockStoreBlockSizes)
	if err != nil {
		return nil, fmt.Errorf("rip: block store: %w", err)
	}

	reg, err := halftone.NewRegistry(cfg.HalftonePageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("rip: halftone registry: %w", err)
	}

	boundary := pgb.NewBoundary(device, log)

	orch := renderpass.NewOrchestrator(reg, log, cfg.SerializeSheets)
	orch.NumCopies = cfg.NumCopies
	if orch.NumCopies == 0 {
		orch.NumCopies = 1
	}

	return &Page{
		Config:       cfg,
		Colors:       colors,
		Images:       images,
		Halftone:     reg,
		PGB:          boundary,
		Orchestrator: orch,
	}, nil
}

// Render runs every pass PlanPasses selects for regions/dl over
// sheets, in order, stopping at the first pass failure.
func Render(ctx context.Context, page *Page, regions renderpass.RegionMap, sheets []renderpass.Sheet, info *halftone.RenderInfo) error {
	passes := renderpass.PlanPasses(regions, page.Config.Strategy, page.Config.PartialPaintAllowed)
	for _, kind := range passes {
		if err := page.Orchestrator.RunPass(ctx, kind, sheets, info); err != nil {
			return fmt.Errorf("rip: pass %s: %w", kind, err)
		}
	}
	return nil
}
