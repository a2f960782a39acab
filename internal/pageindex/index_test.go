package pageindex

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/inkmarklab/inkmark/internal/grading"
)

func fixedCounter(counts map[int64]int) CounterFunc {
	return func(ctx context.Context, file grading.SourceFile) (int, error) {
		count, ok := counts[file.ID]
		if !ok {
			return 0, fmt.Errorf("no count for file %d", file.ID)
		}
		return count, nil
	}
}

func TestResolveConcatenatesInUploadOrder(t *testing.T) {
	idx := NewIndex(IndexConfig{})
	idx.Register("application/pdf", fixedCounter(map[int64]int{1: 3, 2: 1}))

	files := []grading.SourceFile{
		{ID: 1, Position: 1, Filename: "a.pdf", MimeType: "application/pdf", Size: 10},
		{ID: 2, Position: 2, Filename: "b.pdf", MimeType: "application/pdf", Size: 20},
	}
	pages, err := idx.Resolve(context.Background(), 5, files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Page{
		{Number: 1, FileID: 1, Offset: 1},
		{Number: 2, FileID: 1, Offset: 2},
		{Number: 3, FileID: 1, Offset: 3},
		{Number: 4, FileID: 2, Offset: 1},
	}
	if diff := cmp.Diff(want, pages); diff != "" {
		t.Fatalf("unexpected page sequence (-want +got):\n%s", diff)
	}

	count, err := idx.PageCount(context.Background(), 5, files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 pages, got %d", count)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	idx := NewIndex(IndexConfig{})
	idx.Register("application/pdf", fixedCounter(map[int64]int{1: 2, 2: 2}))

	files := []grading.SourceFile{
		{ID: 1, Position: 1, Filename: "a.pdf", MimeType: "application/pdf", Size: 1},
		{ID: 2, Position: 2, Filename: "b.pdf", MimeType: "application/pdf", Size: 2},
	}
	first, err := idx.Resolve(context.Background(), 7, files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := idx.Resolve(context.Background(), 7, files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("resolution must be stable (-first +second):\n%s", diff)
	}
}

func TestResolveFailsAtomically(t *testing.T) {
	idx := NewIndex(IndexConfig{})
	idx.Register("application/pdf", fixedCounter(map[int64]int{1: 2}))

	files := []grading.SourceFile{
		{ID: 1, Position: 1, Filename: "a.pdf", MimeType: "application/pdf"},
		{ID: 2, Position: 2, Filename: "b.doc", MimeType: "application/msword"},
	}
	pages, err := idx.Resolve(context.Background(), 3, files)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if pages != nil {
		t.Fatalf("expected no partial page sequence, got %#v", pages)
	}
}

func TestResolveReportsConversionFailures(t *testing.T) {
	idx := NewIndex(IndexConfig{})
	idx.Register("application/pdf", CounterFunc(func(ctx context.Context, file grading.SourceFile) (int, error) {
		if file.ID == 2 {
			return 0, errors.New("corrupt file")
		}
		return 1, nil
	}))

	files := []grading.SourceFile{
		{ID: 1, Position: 1, MimeType: "application/pdf"},
		{ID: 2, Position: 2, MimeType: "application/pdf"},
	}
	if _, err := idx.Resolve(context.Background(), 3, files); !errors.Is(err, ErrConversion) {
		t.Fatalf("expected ErrConversion, got %v", err)
	}

	idx.Register("application/pdf", fixedCounter(map[int64]int{1: 0}))
	if _, err := idx.Resolve(context.Background(), 4, files[:1]); !errors.Is(err, ErrConversion) {
		t.Fatalf("expected ErrConversion for empty document, got %v", err)
	}
}

func TestResolveCachesUntilSourcesChange(t *testing.T) {
	calls := 0
	idx := NewIndex(IndexConfig{})
	idx.Register("application/pdf", CounterFunc(func(ctx context.Context, file grading.SourceFile) (int, error) {
		calls++
		return 2, nil
	}))

	files := []grading.SourceFile{{ID: 1, Position: 1, MimeType: "application/pdf", Size: 5}}
	for i := 0; i < 3; i++ {
		if _, err := idx.Resolve(context.Background(), 9, files); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one count per unchanged source set, got %d", calls)
	}

	grown := append(files, grading.SourceFile{ID: 2, Position: 2, MimeType: "application/pdf", Size: 6})
	if _, err := idx.Resolve(context.Background(), 9, grown); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected recount after source change, got %d calls", calls)
	}

	idx.Invalidate(9)
	if _, err := idx.Resolve(context.Background(), 9, grown); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 5 {
		t.Fatalf("expected recount after invalidation, got %d calls", calls)
	}
}

func TestSupports(t *testing.T) {
	idx := NewIndex(IndexConfig{})
	if idx.Supports("application/pdf") {
		t.Fatalf("expected empty index to support nothing")
	}
	idx.Register("application/pdf", fixedCounter(nil))
	if !idx.Supports("application/pdf") {
		t.Fatalf("expected registered mime type to be supported")
	}
}
