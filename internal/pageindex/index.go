// Package pageindex maps a submission attempt's ordered source files to the
// contiguous, 1-based page numbering of the composed feedback document.
//
// Overlay objects persist plain page numbers, not (file, offset) pairs, so
// the mapping must be deterministic and stable across recomputation for as
// long as the source files are unchanged.
package pageindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/inkmarklab/inkmark/internal/grading"
)

var (
	// ErrUnsupportedFormat indicates a source file whose mime type has no
	// registered page-count resolver.
	ErrUnsupportedFormat = errors.New("pageindex: unsupported format")
	// ErrConversion indicates a resolver could not determine a page count,
	// typically because the file is corrupt.
	ErrConversion = errors.New("pageindex: conversion failed")

	noOpLogger = zap.NewNop()
)

// Page is one logical page of the composed document, tagged with the source
// file it comes from and the 1-based page offset within that file.
type Page struct {
	Number int
	FileID int64
	Offset int
}

// Counter determines how many pages a source file contributes.
type Counter interface {
	PageCount(ctx context.Context, file grading.SourceFile) (int, error)
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(ctx context.Context, file grading.SourceFile) (int, error)

// PageCount implements Counter.
func (f CounterFunc) PageCount(ctx context.Context, file grading.SourceFile) (int, error) {
	return f(ctx, file)
}

type cacheEntry struct {
	fingerprint string
	pages       []Page
}

// IndexConfig describes the dependencies of the page index.
type IndexConfig struct {
	Logger *zap.Logger
}

// Index resolves and caches page sequences per grade record. Reads are
// concurrent; recomputation for one grade is serialized by the cache lock.
type Index struct {
	mu       sync.RWMutex
	counters map[string]Counter
	cache    map[int64]cacheEntry
	logger   *zap.Logger
}

// NewIndex constructs an empty page index. Counters are registered with
// Register before the first Resolve call.
func NewIndex(cfg IndexConfig) *Index {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Index{
		counters: make(map[string]Counter),
		cache:    make(map[int64]cacheEntry),
		logger:   logger,
	}
}

// Register installs a page-count resolver for a mime type.
func (idx *Index) Register(mimeType string, counter Counter) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.counters[mimeType] = counter
}

// Supports reports whether a resolver is registered for the mime type.
func (idx *Index) Supports(mimeType string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.counters[mimeType]
	return ok
}

// Resolve returns the grade's page sequence: each source file's pages
// concatenated in upload order, numbered from 1. The result is cached per
// grade and recomputed only when the source fingerprint changes.
//
// Resolution is atomic: any unsupported or unreadable file fails the whole
// call, so callers never observe a partial page sequence.
func (idx *Index) Resolve(ctx context.Context, gradeID int64, files []grading.SourceFile) ([]Page, error) {
	fingerprint := grading.SourceFingerprint(files)

	idx.mu.RLock()
	entry, ok := idx.cache[gradeID]
	idx.mu.RUnlock()
	if ok && entry.fingerprint == fingerprint {
		return entry.pages, nil
	}

	pages := make([]Page, 0, len(files))
	number := 1
	for _, file := range files {
		idx.mu.RLock()
		counter, ok := idx.counters[file.MimeType]
		idx.mu.RUnlock()
		if !ok {
			idx.logger.Warn("no page resolver for mime type",
				zap.Int64("grade_id", gradeID),
				zap.String("mime_type", file.MimeType),
				zap.String("filename", file.Filename))
			return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, file.MimeType, file.Filename)
		}
		count, err := counter.PageCount(ctx, file)
		if err != nil {
			idx.logger.Warn("page count failed",
				zap.Int64("grade_id", gradeID),
				zap.String("filename", file.Filename),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %s: %v", ErrConversion, file.Filename, err)
		}
		if count < 1 {
			return nil, fmt.Errorf("%w: %s: empty document", ErrConversion, file.Filename)
		}
		for offset := 1; offset <= count; offset++ {
			pages = append(pages, Page{Number: number, FileID: file.ID, Offset: offset})
			number++
		}
	}

	idx.mu.Lock()
	idx.cache[gradeID] = cacheEntry{fingerprint: fingerprint, pages: pages}
	idx.mu.Unlock()
	return pages, nil
}

// PageCount returns the total number of pages of the grade's submission.
func (idx *Index) PageCount(ctx context.Context, gradeID int64, files []grading.SourceFile) (int, error) {
	pages, err := idx.Resolve(ctx, gradeID, files)
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

// Invalidate drops the cached page sequence for a grade.
func (idx *Index) Invalidate(gradeID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.cache, gradeID)
}
