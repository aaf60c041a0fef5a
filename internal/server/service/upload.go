package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"notekeep/internal/server/archive"
	"notekeep/internal/server/config"
	"notekeep/internal/server/database"
	"notekeep/internal/server/fingerprint"
	"notekeep/internal/server/staging"
	"notekeep/internal/server/storage"
	"notekeep/internal/server/typecheck"
)

// maxParts caps how many parts one session may declare.
const maxParts = 100000

// Mode selects what happens to a completed upload.
type Mode string

const (
	ModeFile    Mode = "file"
	ModeGallery Mode = "gallery"
	ModeArchive Mode = "archive"
)

// State is a step of the per-session upload state machine.
type State string

const (
	StateReceiving          State = "receiving"
	StateReassembling       State = "reassembling"
	StateValidating         State = "validating"
	StateHashing            State = "hashing"
	StateDedupChecking      State = "dedup_checking"
	StateCommitting         State = "committing"
	StateExploding          State = "exploding"
	StateCommittingMultiple State = "committing_multiple"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Status is the outcome reported for a chunk request.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusCreated   Status = "created"
	StatusStaged    Status = "staged"
	StatusDuplicate Status = "duplicate"
)

// ChunkRequest carries one part of a chunked upload.
type ChunkRequest struct {
	SessionID  string
	Ordinal    int
	Total      int
	Filename   string
	Mode       Mode
	Annotation string
	Body       io.Reader
}

// SkippedMember is an archive member that was not stored.
type SkippedMember struct {
	Name   string
	Reason string
}

// Result is the outcome of a chunk request. A duplicate is a Result, not
// an error.
type Result struct {
	Status   Status
	Received int
	Total    int
	Note     *database.Note
	Artifact *database.Artifact
	Skipped  []SkippedMember
}

// UploadService drives uploads from first part to committed note.
type UploadService struct {
	db       database.Store
	chunks   *staging.ChunkStore
	store    storage.Store
	types    *typecheck.Validator
	exploder *archive.Exploder
	dedup    *DedupRegistry
	cfg      *config.Config
	locks    *keyedMutex
}

// NewUploadService creates a new upload service.
func NewUploadService(db database.Store, chunks *staging.ChunkStore, store storage.Store, cfg *config.Config) *UploadService {
	return &UploadService{
		db:     db,
		chunks: chunks,
		store:  store,
		types:  typecheck.New(cfg.TypePolicy()),
		exploder: archive.New(archive.Limits{
			MaxMembers:       cfg.MaxArchiveMembers,
			MaxExpandedBytes: cfg.MaxArchiveExpanded,
			MaxMemberBytes:   cfg.MaxFileSize,
		}, cfg.HashAlgorithm),
		dedup: NewDedupRegistry(db),
		cfg:   cfg,
		locks: newKeyedMutex(),
	}
}

// session is the in-flight state of one completing upload.
type session struct {
	id       string
	owner    string
	filename string
	mode     Mode
	note     string
	parts    int
	state    State
	log      *slog.Logger

	// rollback undoes placements in the permanent store, newest first.
	rollback []func()
}

func (s *session) transition(to State) {
	s.log.Debug("upload state", "from", s.state, "to", to)
	s.state = to
}

func (s *session) undo() {
	for i := len(s.rollback) - 1; i >= 0; i-- {
		s.rollback[i]()
	}
	s.rollback = nil
}

// ReceiveChunk stores one part. The request whose part completes the set
// drives the rest of the pipeline and gets the final outcome; everyone else
// gets StatusAccepted. An ErrIOFailure is the only error after which the
// same part should be resent; failures past that point are terminal.
func (u *UploadService) ReceiveChunk(ctx context.Context, owner string, req ChunkRequest) (*Result, error) {
	if err := validateChunk(owner, &req); err != nil {
		return nil, err
	}
	log := slog.With("session_id", req.SessionID, "owner", owner)

	manifest := staging.Manifest{Owner: owner, Filename: req.Filename, Parts: req.Total, Mode: string(req.Mode)}
	if _, err := u.chunks.OpenSession(req.SessionID, manifest); err != nil {
		log.Warn("failed to open session", "error", err)
		return nil, classify(err)
	}

	body := req.Body
	if req.Ordinal == 0 {
		br := bufio.NewReaderSize(req.Body, staging.HeadSize)
		if err := u.precheck(req, br, log); err != nil {
			u.discard(req.SessionID, log)
			return nil, err
		}
		body = br
	}

	limit := u.cfg.MaxChunkSize
	n, err := u.chunks.WritePart(req.SessionID, req.Ordinal, io.LimitReader(body, limit+1))
	if err != nil {
		log.Warn("failed to write part", "ordinal", req.Ordinal, "error", err)
		return nil, classify(err)
	}
	if n > limit {
		u.discard(req.SessionID, log)
		return nil, fmt.Errorf("%w: part %d exceeds %d bytes", ErrOversized, req.Ordinal, limit)
	}

	unlock := u.locks.Lock(req.SessionID)
	defer unlock()

	complete, err := u.chunks.IsComplete(req.SessionID, req.Total)
	if err != nil {
		return nil, classify(err)
	}
	if !complete {
		received, err := u.chunks.Received(req.SessionID, req.Total)
		if err != nil {
			return nil, classify(err)
		}
		return &Result{Status: StatusAccepted, Received: received, Total: req.Total}, nil
	}

	s := &session{
		id:       req.SessionID,
		owner:    owner,
		filename: req.Filename,
		mode:     req.Mode,
		note:     req.Annotation,
		parts:    req.Total,
		state:    StateReceiving,
		log:      log,
	}
	res, err := u.complete(ctx, s)
	if err != nil {
		err = terminal(err)
		s.undo()
		s.transition(StateFailed)
		log.Warn("upload failed", "filename", s.filename, "reason", ReasonCode(err), "error", err)
	} else {
		s.transition(StateDone)
		log.Info("upload finished", "filename", s.filename, "status", res.Status)
	}
	u.discard(s.id, log)
	if err != nil {
		return nil, err
	}
	res.Received, res.Total = s.parts, s.parts
	return res, nil
}

func validateChunk(owner string, req *ChunkRequest) error {
	switch {
	case owner == "":
		return fmt.Errorf("%w: missing owner", ErrInvalidRequest)
	case !staging.ValidSessionID(req.SessionID):
		return fmt.Errorf("%w: invalid session id", ErrInvalidRequest)
	case req.Total < 1 || req.Total > maxParts:
		return fmt.Errorf("%w: total parts %d out of range", ErrInvalidRequest, req.Total)
	case req.Ordinal < 0 || req.Ordinal >= req.Total:
		return fmt.Errorf("%w: ordinal %d outside [0, %d)", ErrInvalidRequest, req.Ordinal, req.Total)
	case strings.TrimSpace(req.Filename) == "":
		return fmt.Errorf("%w: missing filename", ErrInvalidRequest)
	case req.Body == nil:
		return fmt.Errorf("%w: missing part body", ErrInvalidRequest)
	}
	if req.Mode == "" {
		req.Mode = ModeFile
	}
	switch req.Mode {
	case ModeFile, ModeGallery, ModeArchive:
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}
}

// precheck runs on the first part. The filename is final, so the
// allow-list may reject here; a sniff mismatch on a partial sample is only
// logged and left to the post-reassembly check.
func (u *UploadService) precheck(req ChunkRequest, br *bufio.Reader, log *slog.Logger) error {
	if err := u.types.CheckExtension(req.Filename); err != nil {
		return classify(err)
	}
	if req.Mode == ModeArchive && typecheck.Extension(req.Filename) != ".zip" {
		return fmt.Errorf("%w: archive mode requires a .zip file", ErrInvalidType)
	}
	head, _ := br.Peek(staging.HeadSize)
	if err := u.types.Check(req.Filename, head); err != nil {
		log.Warn("early content check failed", "filename", req.Filename, "error", err)
	}
	return nil
}

// complete takes a session whose parts are all present through to a
// terminal outcome. On error the caller undoes any placements.
func (u *UploadService) complete(ctx context.Context, s *session) (*Result, error) {
	s.transition(StateReassembling)
	work, err := u.chunks.Workdir(s.id, "assemble")
	if err != nil {
		return nil, classify(err)
	}
	assembled, err := u.chunks.Reassemble(ctx, s.id, s.parts, filepath.Join(work, "artifact"), u.cfg.MaxFileSize)
	if err != nil {
		if errors.Is(err, staging.ErrIncompleteUpload) {
			s.log.Error("part vanished after completion check", "error", err)
		}
		return nil, classify(err)
	}

	s.transition(StateValidating)
	if err := u.types.Check(s.filename, assembled.Head); err != nil {
		return nil, classify(err)
	}
	if s.mode == ModeArchive && !typecheck.IsArchive(s.filename, assembled.Head) {
		return nil, fmt.Errorf("%w: %s is not a zip archive", ErrInvalidType, s.filename)
	}

	s.transition(StateHashing)
	s.log.Debug("content hashed", "fingerprint", assembled.Fingerprint, "size", assembled.Size)

	if s.mode == ModeArchive {
		return u.explode(ctx, s, assembled)
	}

	s.transition(StateDedupChecking)
	defer u.locks.Lock(commitKey(s.owner, assembled.Fingerprint))()
	existing, err := u.dedup.Find(ctx, s.owner, assembled.Fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.log.Info("duplicate content", "fingerprint", assembled.Fingerprint, "existing", existing.StorageName)
		return &Result{Status: StatusDuplicate, Artifact: existing}, nil
	}

	s.transition(StateCommitting)
	name, err := u.store.Place(assembled.Path, storage.DeriveName(assembled.Fingerprint, s.filename))
	if err != nil {
		return nil, classify(err)
	}
	s.rollback = append(s.rollback, u.removeLater(name, s.log))

	artifact := &database.Artifact{
		OwnerID:      s.owner,
		StorageName:  name,
		Fingerprint:  string(assembled.Fingerprint),
		Size:         assembled.Size,
		OriginalName: displayName(s.filename),
	}

	if s.mode == ModeGallery {
		if err := u.db.RegisterArtifact(ctx, artifact); err != nil {
			return u.commitFailed(ctx, s, assembled.Fingerprint, err)
		}
		return &Result{Status: StatusStaged, Artifact: artifact}, nil
	}

	note := &database.Note{
		OwnerID:    s.owner,
		Kind:       database.KindFile,
		Annotation: s.note,
		Artifacts:  []*database.Artifact{artifact},
	}
	if err := u.db.CreateNote(ctx, note, note.Artifacts); err != nil {
		return u.commitFailed(ctx, s, assembled.Fingerprint, err)
	}
	return &Result{Status: StatusCreated, Note: note, Artifact: artifact}, nil
}

// commitFailed handles a failed insert. Losing the race to a concurrent
// identical upload is reported as a duplicate, after the caller has
// removed what this session placed.
func (u *UploadService) commitFailed(ctx context.Context, s *session, fp fingerprint.Fingerprint, err error) (*Result, error) {
	if errors.Is(err, database.ErrDuplicateFingerprint) {
		s.undo()
		s.log.Info("duplicate content detected at commit", "fingerprint", fp)
		existing, _ := u.dedup.Find(ctx, s.owner, fp)
		return &Result{Status: StatusDuplicate, Artifact: existing}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
}

func (u *UploadService) explode(ctx context.Context, s *session, assembled *staging.Assembled) (*Result, error) {
	s.transition(StateExploding)
	work, err := u.chunks.Workdir(s.id, "explode")
	if err != nil {
		return nil, classify(err)
	}
	members, err := u.exploder.Extract(ctx, assembled.Path, work)
	if err != nil {
		return nil, classify(err)
	}

	var (
		keep    []archive.Member
		skipped []SkippedMember
		dupes   int
		seen    = make(map[fingerprint.Fingerprint]bool)
	)
	for _, m := range members {
		if err := u.types.Check(m.RelPath, m.Head); err != nil {
			skipped = append(skipped, SkippedMember{Name: m.RelPath, Reason: ReasonInvalidType})
			continue
		}
		if seen[m.Fingerprint] {
			skipped = append(skipped, SkippedMember{Name: m.RelPath, Reason: ReasonDuplicateContent})
			dupes++
			continue
		}
		existing, err := u.dedup.Find(ctx, s.owner, m.Fingerprint)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			skipped = append(skipped, SkippedMember{Name: m.RelPath, Reason: ReasonDuplicateContent})
			dupes++
			continue
		}
		seen[m.Fingerprint] = true
		keep = append(keep, m)
	}
	if len(skipped) > 0 {
		s.log.Info("skipped archive members", "skipped", len(skipped), "duplicates", dupes)
	}

	if len(keep) == 0 {
		if dupes > 0 {
			return &Result{Status: StatusDuplicate, Skipped: skipped}, nil
		}
		return nil, fmt.Errorf("%w: no archive member is an allowed type", ErrInvalidType)
	}

	s.transition(StateCommittingMultiple)
	placed, err := u.exploder.Promote(ctx, keep, u.store)
	if err != nil {
		return nil, classify(err)
	}
	artifacts := make([]*database.Artifact, 0, len(placed))
	for _, p := range placed {
		s.rollback = append(s.rollback, u.removeLater(p.StorageName, s.log))
		artifacts = append(artifacts, &database.Artifact{
			OwnerID:      s.owner,
			StorageName:  p.StorageName,
			Fingerprint:  string(p.Fingerprint),
			Size:         p.Size,
			OriginalName: p.RelPath,
		})
	}

	note := &database.Note{
		OwnerID:    s.owner,
		Kind:       database.KindArchive,
		Text:       displayName(s.filename),
		Annotation: s.note,
		Artifacts:  artifacts,
	}
	if err := u.db.CreateNote(ctx, note, artifacts); err != nil {
		if errors.Is(err, database.ErrDuplicateFingerprint) {
			// A concurrent upload committed one of these members first.
			// Nothing is kept; the client may retry to import the rest.
			s.undo()
			s.log.Info("duplicate archive member detected at commit", "error", err)
			return &Result{Status: StatusDuplicate, Skipped: skipped}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &Result{Status: StatusCreated, Note: note, Skipped: skipped}, nil
}

// commitKey names the lock held from the dedup lookup through the insert.
// Session ids cannot contain ':' so the keys never meet.
func commitKey(owner string, fp fingerprint.Fingerprint) string {
	return "commit:" + owner + ":" + string(fp)
}

func (u *UploadService) removeLater(name string, log *slog.Logger) func() {
	return func() {
		if err := u.store.Delete(name); err != nil {
			log.Error("failed to roll back stored file", "storage_name", name, "error", err)
		}
	}
}

func (u *UploadService) discard(id string, log *slog.Logger) {
	if err := u.chunks.Discard(id); err != nil {
		log.Error("failed to discard session", "error", err)
	}
}

// displayName strips any client-side directory from a declared filename.
func displayName(name string) string {
	return filepath.Base(strings.ReplaceAll(name, "\\", "/"))
}
