package workers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"emodal_harvester/artifacts"
	"emodal_harvester/storage"
)

// Uploader is the S3-compatible sink for job archives.
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}

// ArchiveWorker zips completed query folders and ships them to object
// storage in the background.
type ArchiveWorker struct {
	store     storage.Store
	artifacts *artifacts.Store
	uploader  Uploader
	trigger   chan struct{}
}

func NewArchiveWorker(store storage.Store, art *artifacts.Store, uploader Uploader) *ArchiveWorker {
	return &ArchiveWorker{
		store:     store,
		artifacts: art,
		uploader:  uploader,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests an immediate batch outside the regular interval.
func (w *ArchiveWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run starts the archive loop.
func (w *ArchiveWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Archive worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx, batchSize)
		case <-w.trigger:
			w.processBatch(ctx, batchSize)
		}
	}
}

func (w *ArchiveWorker) processBatch(ctx context.Context, batchSize int) {
	queries, err := w.store.ListUnarchivedCompleted(ctx, batchSize)
	if err != nil {
		log.Printf("Archive worker: query error: %v", err)
		return
	}
	if len(queries) == 0 {
		return
	}

	log.Printf("Archive worker: archiving %d queries", len(queries))

	var archived, failed int
	for i := range queries {
		q := &queries[i]

		var buf bytes.Buffer
		if err := w.artifacts.ZipQuery(q.FolderPath, &buf); err != nil {
			log.Printf("Archive worker: zip %s failed: %v", q.QueryID, err)
			failed++
			continue
		}

		key := fmt.Sprintf("archives/%d/%s.zip", q.TenantID, q.QueryID)
		if err := w.uploader.Upload(ctx, key, &buf, "application/zip"); err != nil {
			log.Printf("Archive worker: upload %s failed: %v", q.QueryID, err)
			failed++
			continue
		}

		if err := w.store.MarkQueryArchived(ctx, q.QueryID); err != nil {
			log.Printf("Archive worker: mark %s archived failed: %v", q.QueryID, err)
			failed++
			continue
		}

		archived++
		log.Printf("Archive worker: uploaded %s -> %s (%d bytes)", q.QueryID, key, buf.Len())
	}

	if archived > 0 || failed > 0 {
		log.Printf("Archive worker: archived %d, failed %d", archived, failed)
	}
}
