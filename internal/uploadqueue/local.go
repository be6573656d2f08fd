package uploadqueue

import (
	"context"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
	"github.com/tphakala/wow-sync/internal/worker"
)

// LocalSummary describes one ProcessLocal pass
type LocalSummary struct {
	// Compressed photos were recompressed and stored
	Compressed int
	// Fallbacks kept their original bytes after a compression failure
	Fallbacks int
	// Records moved on to the upload queue
	Records int
}

// ProcessLocal compresses photos that are still waiting for it. Compression
// failures are not fatal: the original bytes are uploaded instead.
// Compression runs without network access, so it also works offline.
func (p *Processor) ProcessLocal(ctx context.Context) (LocalSummary, error) {
	var summary LocalSummary

	all, err := p.store.GetAll(ctx)
	if err != nil {
		return summary, err
	}

	for _, r := range all {
		if r.Meta.PendingPhotoCount == 0 || r.Meta.RecordState == model.StateDeleted {
			continue
		}
		if err := r.CheckMutable(); err != nil {
			continue
		}

		wasProcessing := r.Meta.RecordState == model.StateWithLocalProcessing
		for _, photo := range r.Photos {
			if ctx.Err() != nil {
				return summary, nil
			}
			if photo.UploadState != model.PhotoNotStarted && photo.UploadState != model.PhotoCompressing {
				continue
			}
			fallback, err := p.compressPhoto(ctx, r.UUID, photo)
			if err != nil {
				if isStoreFatal(err) {
					return summary, err
				}
				p.log.Warn("Photo compression skipped",
					logger.String("record_uuid", r.UUID),
					logger.String("photo_uuid", photo.UUID),
					logger.Error(err))
				continue
			}
			if fallback {
				summary.Fallbacks++
			} else {
				summary.Compressed++
			}
		}

		if wasProcessing {
			updated, err := p.store.Get(ctx, r.UUID)
			if err == nil && updated != nil && updated.Meta.RecordState == model.StatePendingSync {
				summary.Records++
			}
		}
	}

	if summary.Compressed+summary.Fallbacks > 0 {
		p.log.Info("Local photo processing completed",
			logger.Int("compressed", summary.Compressed),
			logger.Int("fallbacks", summary.Fallbacks),
			logger.Int("records_queued", summary.Records))
	}
	return summary, nil
}

// compressPhoto recompresses one photo and marks it ready. It reports
// whether the original bytes were kept.
func (p *Processor) compressPhoto(ctx context.Context, recordUUID string, photo model.PhotoRef) (bool, error) {
	if _, err := p.store.Update(ctx, recordUUID, func(r *model.Record) error {
		return r.StartCompressing(photo.UUID)
	}); err != nil {
		return false, err
	}

	original, err := p.store.GetBlob(ctx, photo.LocalBlobKey)
	if err != nil {
		return false, err
	}

	fallback := true
	mimeType := photo.MIMEType
	switch {
	case original == nil:
		p.log.Warn("Photo has no stored image data",
			logger.String("record_uuid", recordUUID),
			logger.String("photo_uuid", photo.UUID))
	case p.bridge == nil:
	default:
		compressed, err := p.bridge.Resize(ctx, original, p.maxDimension(), p.quality())
		switch {
		case err != nil:
			p.log.Warn("Photo compression failed, uploading original",
				logger.String("record_uuid", recordUUID),
				logger.String("photo_uuid", photo.UUID),
				logger.String("category", string(errors.CategoryOf(err))),
				logger.Error(err))
		case len(compressed) >= len(original) && mimeType == "image/jpeg":
			// recompression did not help
		default:
			if err := p.store.PutBlob(ctx, photo.LocalBlobKey, compressed); err != nil {
				return false, err
			}
			fallback = false
			mimeType = "image/jpeg"
			p.observer.PhotoCompressed(false, len(original), len(compressed))
		}
	}
	if fallback && original != nil {
		p.observer.PhotoCompressed(true, len(original), len(original))
	}

	_, err = p.store.Update(ctx, recordUUID, func(r *model.Record) error {
		if ph, ok := r.Photo(photo.UUID); ok {
			ph.MIMEType = mimeType
		}
		return r.PhotoCompressed(photo.UUID, p.clock.Now())
	})
	return fallback, err
}

func (p *Processor) maxDimension() int {
	if p.cfg.MaxDimension > 0 {
		return p.cfg.MaxDimension
	}
	return 2048
}

func (p *Processor) quality() int {
	if p.cfg.Quality > 0 {
		return p.cfg.Quality
	}
	return worker.DefaultQuality
}
