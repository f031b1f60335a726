package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// ErrTotalSheetsMismatch is returned when Initialize is called twice with
// different sheet counts for the same upload.
var ErrTotalSheetsMismatch = errors.New("coordinator already initialized with a different sheet count")

// ErrSheetOutOfRange is returned when a completion report names a sheet
// number outside [1, totalSheets]. Callers ack the message, redelivery
// cannot fix a bad sheet number.
var ErrSheetOutOfRange = errors.New("sheet number out of range")

// ErrNotInitialized is returned when a completion report arrives for an
// upload with no coordinator state.
var ErrNotInitialized = errors.New("coordinator not initialized for upload")

// Coordinator tracks per-upload completion across the metadata and tile
// channels. Each upload gets its own lazily-spawned actor goroutine; all
// mutations for an upload are serialized through the actor's mailbox, so no
// field-level locking is needed. Every mutation persists a snapshot for
// crash recovery.
//
// The status machine is monotonic: in_progress -> metadata_complete ->
// complete, with failed reachable only from in_progress. On the first
// transition to metadata_complete the coordinator enqueues the upload's
// single marker-detection job.
type Coordinator struct {
	storage  interfaces.CoordinatorStorage
	uploads  interfaces.UploadStorage
	sheets   interfaces.SheetStorage
	enqueuer interfaces.Enqueuer
	logger   arbor.ILogger

	mu       sync.Mutex
	actors   map[string]*uploadActor
	onChange func(uploadID string)
}

// NewCoordinator creates a progress coordinator
func NewCoordinator(
	storage interfaces.CoordinatorStorage,
	uploads interfaces.UploadStorage,
	sheets interfaces.SheetStorage,
	enqueuer interfaces.Enqueuer,
	logger arbor.ILogger,
) *Coordinator {
	return &Coordinator{
		storage:  storage,
		uploads:  uploads,
		sheets:   sheets,
		enqueuer: enqueuer,
		logger:   logger,
		actors:   make(map[string]*uploadActor),
	}
}

var _ interfaces.Coordinator = (*Coordinator)(nil)

// OnChange registers a callback invoked after every successful state
// mutation. The rollup service hooks in here. Must be set before workers
// start.
func (c *Coordinator) OnChange(fn func(uploadID string)) {
	c.onChange = fn
}

// Initialize creates coordinator state for an upload. Idempotent: calling
// again with the same sheet count is a no-op; a different count returns
// ErrTotalSheetsMismatch.
func (c *Coordinator) Initialize(ctx context.Context, uploadID string, totalSheets int) error {
	if totalSheets <= 0 {
		return fmt.Errorf("total sheets must be positive, got %d", totalSheets)
	}
	return c.do(ctx, uploadID, func(a *uploadActor) error {
		if a.state != nil {
			if a.state.TotalSheets != totalSheets {
				return fmt.Errorf("%w: have %d, got %d", ErrTotalSheetsMismatch, a.state.TotalSheets, totalSheets)
			}
			return nil
		}
		a.state = models.NewCoordinatorState(uploadID, totalSheets)
		return a.persist(ctx)
	})
}

// MarkSheetMetadataComplete records a terminal metadata outcome for a sheet.
// Duplicate reports are no-ops.
func (c *Coordinator) MarkSheetMetadataComplete(ctx context.Context, uploadID string, sheetNumber int) error {
	return c.mark(ctx, uploadID, sheetNumber, func(s *models.CoordinatorState) map[int]bool {
		return s.MetadataDone
	})
}

// MarkSheetTilesComplete records a terminal tile outcome for a sheet.
// Duplicate reports are no-ops.
func (c *Coordinator) MarkSheetTilesComplete(ctx context.Context, uploadID string, sheetNumber int) error {
	return c.mark(ctx, uploadID, sheetNumber, func(s *models.CoordinatorState) map[int]bool {
		return s.TilesDone
	})
}

func (c *Coordinator) mark(ctx context.Context, uploadID string, sheetNumber int, set func(*models.CoordinatorState) map[int]bool) error {
	err := c.do(ctx, uploadID, func(a *uploadActor) error {
		if a.state == nil {
			return fmt.Errorf("%w: %s", ErrNotInitialized, uploadID)
		}
		if sheetNumber < 1 || sheetNumber > a.state.TotalSheets {
			return fmt.Errorf("%w: sheet %d of %d (upload %s)",
				ErrSheetOutOfRange, sheetNumber, a.state.TotalSheets, uploadID)
		}

		done := set(a.state)
		if done[sheetNumber] {
			return nil // duplicate delivery
		}
		done[sheetNumber] = true

		a.advance(ctx)
		return a.persist(ctx)
	})
	if err != nil {
		return err
	}
	if c.onChange != nil {
		c.onChange(uploadID)
	}
	return nil
}

// MarkFailed moves the upload to failed. Only valid from in_progress before
// any completion was recorded (a split that never produced sheets); anything
// later is a no-op because per-sheet failures are already accounted for.
func (c *Coordinator) MarkFailed(ctx context.Context, uploadID string, reason string) error {
	err := c.do(ctx, uploadID, func(a *uploadActor) error {
		if a.state == nil {
			a.state = models.NewCoordinatorState(uploadID, 0)
		}
		if a.state.Status != models.CoordinatorStatusInProgress ||
			len(a.state.MetadataDone) > 0 || len(a.state.TilesDone) > 0 {
			c.logger.Warn().
				Str("upload_id", uploadID).
				Str("status", a.state.Status).
				Msg("Ignoring MarkFailed after processing started")
			return nil
		}
		a.state.Status = models.CoordinatorStatusFailed
		c.logger.Error().
			Str("upload_id", uploadID).
			Str("reason", reason).
			Msg("Upload marked failed")
		return a.persist(ctx)
	})
	if err != nil {
		return err
	}
	if c.onChange != nil {
		c.onChange(uploadID)
	}
	return nil
}

// EnsureMarkersEnqueued retries the one-shot marker enqueue for an upload
// whose metadata phase finished but whose transition-time enqueue failed.
// No-op when the job was already enqueued or metadata is still in flight.
func (c *Coordinator) EnsureMarkersEnqueued(ctx context.Context, uploadID string) error {
	return c.do(ctx, uploadID, func(a *uploadActor) error {
		if a.state == nil {
			return fmt.Errorf("%w: %s", ErrNotInitialized, uploadID)
		}
		s := a.state
		if s.MarkersEnqueued {
			return nil
		}
		if s.Status != models.CoordinatorStatusMetadataComplete && s.Status != models.CoordinatorStatusComplete {
			return nil
		}
		if err := a.enqueueMarkerJob(ctx); err != nil {
			return err
		}
		s.MarkersEnqueued = true
		return a.persist(ctx)
	})
}

// GetProgress returns a copy of the coordinator state for an upload. Lookups
// never spawn an actor: uploads with no live actor are served straight from
// the snapshot store, so arbitrary IDs from the progress endpoint cannot pin
// goroutines.
func (c *Coordinator) GetProgress(ctx context.Context, uploadID string) (*models.CoordinatorState, error) {
	c.mu.Lock()
	a, ok := c.actors[uploadID]
	c.mu.Unlock()

	if ok {
		var snapshot *models.CoordinatorState
		err, delivered := a.submit(ctx, func(a *uploadActor) error {
			if a.state == nil {
				return fmt.Errorf("%w: %s", ErrNotInitialized, uploadID)
			}
			snapshot = copyState(a.state)
			return nil
		})
		if delivered {
			if err != nil {
				return nil, err
			}
			return snapshot, nil
		}
		// Actor retired between lookup and submit, the snapshot has the
		// final state
	}

	state, err := c.storage.GetState(ctx, uploadID)
	if err != nil {
		if errors.Is(err, interfaces.ErrStateNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, uploadID)
		}
		return nil, fmt.Errorf("failed to read coordinator snapshot: %w", err)
	}
	return state, nil
}

// do runs fn inside the upload's actor, respawning when a retiring actor is
// caught between lookup and submit.
func (c *Coordinator) do(ctx context.Context, uploadID string, fn func(*uploadActor) error) error {
	for {
		err, delivered := c.actor(uploadID).submit(ctx, fn)
		if delivered {
			return err
		}
	}
}

// actor returns the upload's actor, spawning it on first use
func (c *Coordinator) actor(uploadID string) *uploadActor {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.actors[uploadID]
	if !ok {
		a = &uploadActor{
			uploadID: uploadID,
			coord:    c,
			mailbox:  make(chan actorCall),
			stopped:  make(chan struct{}),
		}
		c.actors[uploadID] = a
		go a.run()
	}
	return a
}

// evict removes a retired actor so terminal and unknown uploads do not pin a
// goroutine for the life of the process. The map entry goes before stopped is
// closed: blocked submitters retry against a fresh actor, never the stale one.
func (c *Coordinator) evict(a *uploadActor) {
	c.mu.Lock()
	if c.actors[a.uploadID] == a {
		delete(c.actors, a.uploadID)
	}
	c.mu.Unlock()
	close(a.stopped)
}

func (c *Coordinator) actorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}

type actorCall struct {
	fn   func(*uploadActor) error
	done chan error
}

// uploadActor serializes all coordinator operations for one upload. State is
// loaded from storage on the first call, so a restarted process resumes where
// the last snapshot left off. An actor retires after serving a call that
// leaves nothing in flight; every mutation persists before returning, so a
// respawned actor picks up exactly where the retired one stopped.
type uploadActor struct {
	uploadID string
	coord    *Coordinator
	mailbox  chan actorCall
	stopped  chan struct{}
	state    *models.CoordinatorState
	loaded   bool
}

func (a *uploadActor) run() {
	for call := range a.mailbox {
		if !a.loaded {
			a.load()
		}
		call.done <- call.fn(a)
		if a.retired() {
			a.coord.evict(a)
			return
		}
	}
}

// retired reports whether the actor has nothing left to serialize: no state
// exists for the upload, or the upload reached a terminal status.
func (a *uploadActor) retired() bool {
	return a.state == nil ||
		a.state.Status == models.CoordinatorStatusComplete ||
		a.state.Status == models.CoordinatorStatusFailed
}

func (a *uploadActor) load() {
	a.loaded = true
	state, err := a.coord.storage.GetState(context.Background(), a.uploadID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrStateNotFound) {
			a.coord.logger.Error().
				Err(err).
				Str("upload_id", a.uploadID).
				Msg("Failed to load coordinator snapshot")
		}
		return
	}
	a.state = state
}

// submit delivers one call to the actor. delivered is false when the actor
// retired before accepting the call; the caller retries on a fresh one.
func (a *uploadActor) submit(ctx context.Context, fn func(*uploadActor) error) (err error, delivered bool) {
	call := actorCall{fn: fn, done: make(chan error, 1)}
	select {
	case a.mailbox <- call:
	case <-a.stopped:
		return nil, false
	case <-ctx.Done():
		return ctx.Err(), true
	}
	select {
	case err := <-call.done:
		return err, true
	case <-ctx.Done():
		return ctx.Err(), true
	}
}

// advance applies the monotonic status transitions and fires the one-shot
// marker enqueue when metadata first covers every sheet.
func (a *uploadActor) advance(ctx context.Context) {
	s := a.state
	if s.Status == models.CoordinatorStatusFailed {
		return
	}

	if s.Status == models.CoordinatorStatusInProgress && s.MetadataCovered() {
		s.Status = models.CoordinatorStatusMetadataComplete
		a.coord.logger.Info().
			Str("upload_id", s.UploadID).
			Int("total_sheets", s.TotalSheets).
			Msg("Metadata extraction complete for upload")
	}

	if s.Status == models.CoordinatorStatusMetadataComplete && !s.MarkersEnqueued {
		if err := a.enqueueMarkerJob(ctx); err != nil {
			// Flag stays unset so the next completion report retries
			a.coord.logger.Error().
				Err(err).
				Str("upload_id", s.UploadID).
				Msg("Failed to enqueue marker detection")
		} else {
			s.MarkersEnqueued = true
		}
	}

	if s.Status == models.CoordinatorStatusMetadataComplete && s.TilesCovered() {
		s.Status = models.CoordinatorStatusComplete
		a.coord.logger.Info().
			Str("upload_id", s.UploadID).
			Msg("Upload processing complete")
	}
}

func (a *uploadActor) enqueueMarkerJob(ctx context.Context) error {
	upload, err := a.coord.uploads.GetUpload(ctx, a.uploadID)
	if err != nil {
		return fmt.Errorf("failed to resolve upload: %w", err)
	}

	sheets, err := a.coord.sheets.ListSheets(ctx, a.uploadID)
	if err != nil {
		return fmt.Errorf("failed to list sheets: %w", err)
	}

	// Vocabulary is the set of successfully extracted sheet names; failed
	// sheets contribute nothing
	var names []string
	for _, sh := range sheets {
		if sh.MetadataStatus == models.MetadataStatusExtracted && sh.SheetName != "" {
			names = append(names, sh.SheetName)
		}
	}

	msg, err := models.NewQueueMessage(common.NewJobID(), models.MessageTypeMarker, models.MarkerJob{
		UploadID:        upload.UploadID,
		PlanID:          upload.PlanID,
		OrganizationID:  upload.OrganizationID,
		ProjectID:       upload.ProjectID,
		ValidSheetNames: names,
	})
	if err != nil {
		return err
	}
	if err := a.coord.enqueuer.Enqueue(ctx, msg); err != nil {
		return err
	}

	a.coord.logger.Info().
		Str("upload_id", a.uploadID).
		Int("vocabulary_size", len(names)).
		Msg("Marker detection enqueued")
	return nil
}

func (a *uploadActor) persist(ctx context.Context) error {
	a.state.UpdatedAt = time.Now()
	if err := a.coord.storage.SaveState(ctx, a.state); err != nil {
		return fmt.Errorf("failed to persist coordinator snapshot: %w", err)
	}
	return nil
}

func copyState(s *models.CoordinatorState) *models.CoordinatorState {
	cp := *s
	cp.MetadataDone = make(map[int]bool, len(s.MetadataDone))
	for k, v := range s.MetadataDone {
		cp.MetadataDone[k] = v
	}
	cp.TilesDone = make(map[int]bool, len(s.TilesDone))
	for k, v := range s.TilesDone {
		cp.TilesDone[k] = v
	}
	return &cp
}
