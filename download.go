package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// downloader streams one artifact from its source URL into the store,
// checkpointing durably so an interrupted transfer can resume from the
// last checkpointed byte offset.
//
// The downloader performs no retries; retry and backoff policy belongs
// to the caller. Progress events are emitted in non-decreasing byte
// order and every attempt ends in exactly one terminal event
// (complete or error).
type downloader struct {
	// store receives checkpoints and the final verified blob.
	store Store

	// client is used for the range-capable fetch.
	client HTTPClient

	// logger receives diagnostic messages. May be nil.
	logger Logger

	// checkpointInterval is the number of received chunks between
	// durable checkpoints. Progress events are emitted per chunk,
	// finer-grained than durability.
	checkpointInterval int
}

// newDownloader creates a downloader over the given store and client.
func newDownloader(store Store, client HTTPClient, logger Logger, checkpointInterval int) *downloader {
	if checkpointInterval < 1 {
		checkpointInterval = DefaultCheckpointInterval
	}
	return &downloader{
		store:              store,
		client:             client,
		logger:             logger,
		checkpointInterval: checkpointInterval,
	}
}

// download fetches the artifact described by desc. onProgress may be
// nil. On checksum mismatch the checkpoint is deleted so a later
// attempt restarts from byte zero; on cancellation or transfer failure
// the checkpoint is kept so a later attempt resumes.
func (d *downloader) download(ctx context.Context, desc ArtifactDescriptor, onProgress func(ProgressEvent)) error {
	emit := func(ev ProgressEvent) {
		if onProgress != nil {
			onProgress(ev)
		}
	}
	fail := func(downloaded, total int64, err error) error {
		ev := newProgressEvent(desc.ID, StatusError, downloaded, total)
		ev.Err = err.Error()
		emit(ev)
		return err
	}

	if desc.SourceURL == "" {
		return fail(0, desc.SizeBytes, fmt.Errorf("%w: artifact %s has no source URL", ErrInvalidArtifact, desc.ID))
	}

	// Resume from a prior checkpoint if one exists.
	var resumeOffset, resumeTotal int64
	var ranges []ByteRange
	if state, err := d.store.GetDownloadState(ctx, desc.ID); err == nil {
		resumeOffset = state.BytesDownloaded
		resumeTotal = state.TotalBytes
		ranges = state.Chunks
	} else if !errors.Is(err, ErrNotFound) {
		return fail(0, desc.SizeBytes, err)
	}

	// A checkpoint that already holds every declared byte needs no
	// network round trip; asking a server for bytes=<total>- would only
	// earn a 416. Go straight to verification.
	if resumeOffset > 0 && resumeTotal > 0 && resumeOffset >= resumeTotal {
		emit(newProgressEvent(desc.ID, StatusPending, resumeOffset, resumeTotal))
		return d.verifyAndStore(ctx, desc, resumeOffset, resumeTotal, emit, fail)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.SourceURL, nil)
	if err != nil {
		return fail(resumeOffset, desc.SizeBytes, fmt.Errorf("%w: creating request: %v", ErrTransfer, err))
	}
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fail(resumeOffset, desc.SizeBytes, fmt.Errorf("%w: fetching %s: %v", ErrTransfer, desc.ID, err))
	}
	defer resp.Body.Close()

	switch {
	case resumeOffset == 0 && resp.StatusCode == http.StatusOK:
	case resumeOffset > 0 && resp.StatusCode == http.StatusPartialContent:
	case resumeOffset > 0 && resp.StatusCode == http.StatusOK:
		// Server ignored the range request and is sending the full
		// body. Discard the checkpoint and start over.
		if d.logger != nil {
			d.logger.Warn("server ignored range request, restarting", "artifact", desc.ID)
		}
		if err := d.store.ClearDownloadState(ctx, desc.ID); err != nil {
			return fail(resumeOffset, desc.SizeBytes, err)
		}
		resumeOffset = 0
		ranges = nil
	default:
		return fail(resumeOffset, desc.SizeBytes,
			fmt.Errorf("%w: fetching %s: unexpected status %d", ErrTransfer, desc.ID, resp.StatusCode))
	}

	// The pending event waits until the response status has fixed the
	// true resume offset: a server that ignored the range request
	// resets it to zero, and byte counts never decrease across events.
	emit(newProgressEvent(desc.ID, StatusPending, resumeOffset, desc.SizeBytes))

	// Total size: declared remaining length plus the resumed prefix,
	// falling back to the registry's declared size.
	totalBytes := desc.SizeBytes
	if resp.ContentLength >= 0 {
		totalBytes = resumeOffset + resp.ContentLength
	}

	received := resumeOffset
	pending := make([]byte, 0, downloadChunkSize)
	chunksSinceCheckpoint := 0

	// flush durably persists the pending bytes and the updated state
	// in one transaction, then releases the pending buffer. Keeps
	// peak memory proportional to the checkpoint interval.
	flush := func() error {
		if len(pending) > 0 {
			ranges = append(ranges, ByteRange{Offset: received - int64(len(pending)), Length: int64(len(pending))})
		}
		state := DownloadState{
			ArtifactID:      desc.ID,
			BytesDownloaded: received,
			TotalBytes:      totalBytes,
			Chunks:          ranges,
		}
		if err := d.store.PutDownloadState(ctx, state, pending); err != nil {
			return err
		}
		pending = pending[:0]
		chunksSinceCheckpoint = 0
		return nil
	}

	buf := make([]byte, downloadChunkSize)
	for {
		// Cooperative cancellation at chunk boundaries. The last
		// checkpoint stays intact so a later call resumes.
		if ctx.Err() != nil {
			if err := flush(); err != nil && d.logger != nil {
				d.logger.Warn("checkpoint on cancel failed", "artifact", desc.ID, "error", err)
			}
			return fail(received, totalBytes, fmt.Errorf("modelcache: download of %s canceled: %w", desc.ID, ctx.Err()))
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			if received > totalBytes {
				// The server served more bytes than declared. The
				// stream cannot be trusted, so the checkpoint is
				// discarded along with it.
				if clearErr := d.store.ClearDownloadState(ctx, desc.ID); clearErr != nil && d.logger != nil {
					d.logger.Warn("clearing overrun checkpoint failed", "artifact", desc.ID, "error", clearErr)
				}
				return fail(received, totalBytes,
					fmt.Errorf("%w: %s: server sent more than %d declared bytes", ErrTransfer, desc.ID, totalBytes))
			}
			pending = append(pending, buf[:n]...)
			chunksSinceCheckpoint++
			emit(newProgressEvent(desc.ID, StatusDownloading, received, totalBytes))

			if chunksSinceCheckpoint >= d.checkpointInterval {
				if err := flush(); err != nil {
					return fail(received, totalBytes, err)
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Persist what we have so the failure point becomes the
			// resume point.
			if err := flush(); err != nil && d.logger != nil {
				d.logger.Warn("checkpoint on transfer failure failed", "artifact", desc.ID, "error", err)
			}
			return fail(received, totalBytes, fmt.Errorf("%w: reading %s: %v", ErrTransfer, desc.ID, readErr))
		}
	}

	if err := flush(); err != nil {
		return fail(received, totalBytes, err)
	}

	return d.verifyAndStore(ctx, desc, received, totalBytes, emit, fail)
}

// verifyAndStore runs the integrity gate over the accumulated payload
// and promotes it to a verified artifact. The checkpoint is deleted on
// success and on mismatch; it survives a failed store write so a retry
// can finish without refetching.
func (d *downloader) verifyAndStore(ctx context.Context, desc ArtifactDescriptor, received, totalBytes int64,
	emit func(ProgressEvent), fail func(int64, int64, error) error) error {

	emit(newProgressEvent(desc.ID, StatusVerifying, received, totalBytes))

	blob, err := d.store.GetDownloadData(ctx, desc.ID)
	if err != nil {
		return fail(received, totalBytes, err)
	}

	if !Verify(blob, desc.Checksum) {
		// Corruption may have entered at any checkpoint, so resumed
		// bytes are not trusted: delete the state to force a full
		// restart.
		if clearErr := d.store.ClearDownloadState(ctx, desc.ID); clearErr != nil && d.logger != nil {
			d.logger.Warn("clearing failed checkpoint failed", "artifact", desc.ID, "error", clearErr)
		}
		return fail(received, totalBytes, fmt.Errorf("%w: artifact %s", ErrIntegrity, desc.ID))
	}

	if err := d.store.PutArtifact(ctx, desc, blob, true); err != nil {
		// The checkpoint is kept: the blob is complete and verified,
		// so a retry after the caller frees space finishes cheaply.
		return fail(received, totalBytes, err)
	}

	if err := d.store.ClearDownloadState(ctx, desc.ID); err != nil {
		return fail(received, totalBytes, err)
	}

	if d.logger != nil {
		d.logger.Info("artifact ready", "artifact", desc.ID, "bytes", received)
	}
	emit(newProgressEvent(desc.ID, StatusComplete, received, totalBytes))
	return nil
}
