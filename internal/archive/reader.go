// Package archive reads a remote append-only archive of certified blockchain
// checkpoints: it syncs the rolling manifest, plans which file pairs cover a
// requested range, downloads them with bounded parallelism, and streams
// verified checkpoints into a local store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/checkpoint-archive/internal/audit"
	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
	"github.com/kenneth/checkpoint-archive/internal/config"
	"github.com/kenneth/checkpoint-archive/internal/debug"
	"github.com/kenneth/checkpoint-archive/internal/metrics"
	"github.com/kenneth/checkpoint-archive/internal/objectstore"
	"github.com/kenneth/checkpoint-archive/internal/store"
)

// Options carries the reader's optional collaborators. Zero values are valid:
// logging falls back to the standard logger, metrics and audit are skipped,
// downloads use the default backoff schedule.
type Options struct {
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	Audit        audit.Logger
	FetchBackoff func() backoff.BackOff
}

// Reader reads verified checkpoints out of a remote archive. A background
// task keeps the manifest fresh for the reader's lifetime; Close terminates
// it.
type Reader struct {
	remoteStore objectstore.Store
	localStore  objectstore.Store
	concurrency int

	refreshInterval time.Duration

	mu       sync.Mutex
	manifest *Manifest

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	logger       *logrus.Logger
	metrics      *metrics.Metrics
	audit        audit.Logger
	fetchBackoff func() backoff.BackOff
}

// New builds the object stores from configuration and constructs a Reader.
func New(cfg *config.ArchiveConfig, opts Options) (*Reader, error) {
	remote, err := objectstore.NewStore(&cfg.RemoteStore)
	if err != nil {
		return nil, fmt.Errorf("remote store: %w", err)
	}
	local, err := objectstore.NewStore(&cfg.LocalStore)
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	return NewWithStores(remote, local, cfg.DownloadConcurrency, cfg.ManifestRefreshInterval.Std(), opts)
}

// NewWithStores constructs a Reader on existing object stores and starts the
// manifest sync task.
func NewWithStores(remote, local objectstore.Store, concurrency int, refreshInterval time.Duration, opts Options) (*Reader, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("download concurrency must be >= 1, got %d", concurrency)
	}
	if refreshInterval <= 0 {
		refreshInterval = config.DefaultManifestRefreshInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fetchBackoff := opts.FetchBackoff
	if fetchBackoff == nil {
		fetchBackoff = objectstore.DefaultBackoff
	}

	r := &Reader{
		remoteStore:     remote,
		localStore:      local,
		concurrency:     concurrency,
		refreshInterval: refreshInterval,
		manifest:        NewManifest(0, 0),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		logger:          logger,
		metrics:         opts.Metrics,
		audit:           opts.Audit,
		fetchBackoff:    fetchBackoff,
	}

	go r.runManifestSync()

	return r, nil
}

// Close signals the manifest sync task and waits for it to exit.
func (r *Reader) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

// runManifestSync refreshes the manifest slot until Close. The first refresh
// happens immediately so readers do not have to wait a full tick.
func (r *Reader) runManifestSync() {
	defer close(r.done)

	r.refreshTick()

	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refreshTick()
		case <-r.stop:
			r.logger.Info("Terminating the manifest sync loop")
			return
		}
	}
}

// refreshTick runs one refresh attempt. Failures are logged, never fatal.
func (r *Reader) refreshTick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.refreshInterval)
	defer cancel()

	if err := r.RefreshManifest(ctx); err != nil {
		r.logger.WithError(err).Warn("Manifest refresh failed")
	}
}

// RefreshManifest forces one manifest sync outside the periodic loop and
// installs the result into the shared slot.
func (r *Reader) RefreshManifest(ctx context.Context) error {
	began := time.Now()
	m, err := ReadManifest(ctx, r.localStore, r.remoteStore)
	if err == nil {
		err = r.installManifest(m)
	}

	if r.metrics != nil {
		r.metrics.RecordManifestRefresh(err == nil)
	}
	if r.audit != nil {
		r.audit.LogManifestRefresh(err == nil, err, time.Since(began))
	}
	if err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"next_checkpoint": m.NextCheckpointSeqNum,
		"next_epoch":      m.NextEpoch,
		"files":           len(m.Files),
	}).Debug("Manifest refreshed")
	return nil
}

// installManifest swaps the shared slot. The archive is append-only, so a
// refresh may never regress the next sequence number; a regressing manifest
// is rejected and the previous snapshot kept.
func (r *Reader) installManifest(m *Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.NextCheckpointSeqNum < r.manifest.NextCheckpointSeqNum {
		return fmt.Errorf("manifest regressed from %d to %d",
			r.manifest.NextCheckpointSeqNum, m.NextCheckpointSeqNum)
	}
	r.manifest = m

	if r.metrics != nil && m.NextCheckpointSeqNum > 0 {
		r.metrics.SetLatestAvailable(m.NextCheckpointSeqNum - 1)
	}
	return nil
}

// manifestSnapshot takes a point-in-time clone for one read call. Mid-call
// refreshes do not affect it.
func (r *Reader) manifestSnapshot() *Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest.Clone()
}

// LatestAvailableCheckpoint returns the highest sequence number in the most
// recent manifest snapshot, or ErrNotReady before the first successful sync.
func (r *Reader) LatestAvailableCheckpoint() (checkpoint.SequenceNumber, error) {
	m := r.manifestSnapshot()
	if m.NextCheckpointSeqNum == 0 {
		return 0, fmt.Errorf("%w: no checkpoint data in archive", ErrNotReady)
	}
	return m.NextCheckpointSeqNum - 1, nil
}

// fetchedPair is one file pair with both bodies resident in memory. The
// bytes are owned by the decode stage and released when its iterators drain.
type fetchedPair struct {
	pair          FilePair
	summaryBytes  []byte
	contentsBytes []byte
	err           error
}

// Read fetches, verifies and stores every checkpoint in [start, end).
// Downloads run with bounded parallelism; verification and insertion are
// serialized in ascending sequence order so each chain link can be checked
// against its predecessor. A failure aborts the remaining stream; everything
// inserted before it stays in the sink.
func (r *Reader) Read(ctx context.Context, sink store.Store, start, end checkpoint.SequenceNumber) (err error) {
	began := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordRead(time.Since(began), err)
		}
		if r.audit != nil {
			r.audit.LogRead(start, end, err == nil, err, time.Since(began))
		}
	}()

	if start >= end {
		return nil
	}

	m := r.manifestSnapshot()
	if len(m.Files) == 0 || m.NextCheckpointSeqNum == 0 {
		return fmt.Errorf("%w: no files in archive manifest", ErrNotReady)
	}

	pairs, err := m.Pairs()
	if err != nil {
		return err
	}

	latest := m.NextCheckpointSeqNum - 1
	if start > latest {
		return fmt.Errorf("%w: latest available checkpoint is %d, requested range starts at %d",
			ErrOutOfRange, latest, start)
	}

	window := selectWindow(pairs, start, end)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(readCtx)
	g.SetLimit(r.concurrency)

	// Fetches complete in any order; each pair hands its result to a
	// dedicated slot so the consumer below can drain them in index order.
	results := make([]chan fetchedPair, len(window))
	for i := range results {
		results[i] = make(chan fetchedPair, 1)
	}

	go func() {
		for i, p := range window {
			i, p := i, p
			g.Go(func() error {
				fp := r.fetchPair(gctx, p)
				results[i] <- fp
				return fp.err
			})
		}
	}()

	for i := range window {
		fp := <-results[i]
		if fp.err != nil {
			err = fp.err
			break
		}
		if perr := r.processPair(ctx, sink, fp, start, end); perr != nil {
			err = perr
			break
		}
	}

	cancel()
	_ = g.Wait()
	return err
}

// selectWindow picks the contiguous run of pairs covering [start, end). The
// first pair is the one whose range contains start; the last is the one
// preceding the first range that begins at or after end.
func selectWindow(pairs []FilePair, start, end checkpoint.SequenceNumber) []FilePair {
	startIndex := sort.Search(len(pairs), func(i int) bool {
		return pairs[i].Range().Start > start
	}) - 1
	endIndex := sort.Search(len(pairs), func(i int) bool {
		return pairs[i].Range().Start >= end
	})
	if startIndex < 0 || startIndex > endIndex {
		return nil
	}
	return pairs[startIndex:endIndex]
}

// fetchPair downloads both halves of a file pair.
func (r *Reader) fetchPair(ctx context.Context, p FilePair) fetchedPair {
	summaryBytes, err := r.fetchFile(ctx, p.Summary)
	if err != nil {
		return fetchedPair{pair: p, err: err}
	}
	contentsBytes, err := r.fetchFile(ctx, p.Contents)
	if err != nil {
		return fetchedPair{pair: p, err: err}
	}
	return fetchedPair{pair: p, summaryBytes: summaryBytes, contentsBytes: contentsBytes}
}

// fetchFile downloads one file with retry, recording metrics and audit.
func (r *Reader) fetchFile(ctx context.Context, meta FileMetadata) ([]byte, error) {
	began := time.Now()
	data, err := objectstore.DownloadWithBackoff(ctx, r.remoteStore, meta.Key(), r.fetchBackoff())

	if r.audit != nil {
		r.audit.LogFetch(meta.Key(), meta.EpochNum, err == nil, err, time.Since(began))
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordFetchError(string(meta.FileType))
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, meta.Key(), err)
	}
	if r.metrics != nil {
		r.metrics.RecordFetch(string(meta.FileType), meta.EpochNum, len(data), time.Since(began))
	}
	return data, nil
}

// processPair zips the pair's summary and contents streams, filters to the
// requested range, verifies each checkpoint against the chain and writes it
// through to the sink.
func (r *Reader) processPair(ctx context.Context, sink store.Store, fp fetchedPair, start, end checkpoint.SequenceNumber) error {
	summaryIter, err := NewSummaryIterator(fp.pair.Summary, fp.summaryBytes)
	if err != nil {
		return err
	}
	defer summaryIter.Close()

	contentsIter, err := NewContentsIterator(fp.pair.Contents, fp.contentsBytes)
	if err != nil {
		return err
	}
	defer contentsIter.Close()

	for {
		summary, serr := summaryIter.Next()
		if serr == io.EOF {
			return nil
		}
		if serr != nil {
			return fmt.Errorf("summary file %s: %w", fp.pair.Summary.Key(), serr)
		}

		contents, cerr := contentsIter.Next()
		if cerr == io.EOF {
			return fmt.Errorf("%w: contents file %s ends before its summary file",
				ErrMalformed, fp.pair.Contents.Key())
		}
		if cerr != nil {
			return fmt.Errorf("contents file %s: %w", fp.pair.Contents.Key(), cerr)
		}

		seq := summary.SequenceNumber
		if seq < start || seq >= end {
			continue
		}

		verified, err := r.getOrInsertVerifiedCheckpoint(ctx, sink, summary)
		if err != nil {
			r.recordVerifyFailure(seq, err)
			return err
		}

		verifiedContents, err := checkpoint.VerifyContents(verified, contents)
		if err != nil {
			r.recordVerifyFailure(seq, err)
			return err
		}

		if err := sink.InsertCheckpointContents(ctx, verified, verifiedContents); err != nil {
			return fmt.Errorf("failed to insert contents for checkpoint %d: %w", seq, err)
		}

		if r.audit != nil {
			r.audit.LogVerify(seq, true, nil)
		}
		if r.metrics != nil {
			r.metrics.RecordCheckpointInserted()
		}
		if debug.Enabled() {
			r.logger.WithFields(logrus.Fields{
				"sequence": seq,
				"epoch":    summary.Epoch,
				"digest":   verified.Digest(),
			}).Debug("Checkpoint verified and inserted")
		}
	}
}

// getOrInsertVerifiedCheckpoint reuses an already-verified summary from the
// sink or verifies the candidate against its predecessor and inserts it.
// Genesis is the trusted root and verifies without a predecessor.
func (r *Reader) getOrInsertVerifiedCheckpoint(ctx context.Context, sink store.Store, cert checkpoint.CertifiedSummary) (*checkpoint.VerifiedCheckpoint, error) {
	seq := cert.SequenceNumber

	existing, err := sink.GetCheckpointBySequenceNumber(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %d: %w", seq, err)
	}
	if existing != nil {
		return existing, nil
	}

	var verified *checkpoint.VerifiedCheckpoint
	if seq == 0 {
		verified, err = checkpoint.VerifyGenesis(cert)
	} else {
		var prev *checkpoint.VerifiedCheckpoint
		prev, err = sink.GetCheckpointBySequenceNumber(ctx, seq-1)
		if err != nil {
			return nil, fmt.Errorf("failed to get checkpoint %d: %w", seq-1, err)
		}
		if prev == nil {
			return nil, fmt.Errorf("%w: checkpoint %d requires checkpoint %d",
				ErrMissingPredecessor, seq, seq-1)
		}
		verified, err = checkpoint.Verify(prev, cert)
	}
	if err != nil {
		return nil, err
	}

	if err := sink.InsertCheckpoint(ctx, verified); err != nil {
		return nil, fmt.Errorf("failed to insert checkpoint %d: %w", seq, err)
	}

	if r.metrics != nil {
		r.metrics.RecordCheckpointVerified()
	}
	return verified, nil
}

// recordVerifyFailure maps a verification error to its metric reason.
func (r *Reader) recordVerifyFailure(seq checkpoint.SequenceNumber, err error) {
	if r.audit != nil {
		r.audit.LogVerify(seq, false, err)
	}
	if r.metrics == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, checkpoint.ErrDigestMismatch):
		reason = "digest_mismatch"
	case errors.Is(err, checkpoint.ErrVerificationFailed):
		reason = "chain"
	case errors.Is(err, ErrMissingPredecessor):
		reason = "missing_predecessor"
	}
	r.metrics.RecordVerificationFailure(reason)
}
