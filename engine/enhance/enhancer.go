package enhance

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/gofrs/flock"
	"github.com/otiai10/copy"
	"github.com/spf13/afero"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
	"github.com/tbcv/tbcv/pkg/logger"
)

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Outcome reports what happened to one recommendation during an enhancement
// pass.
type Outcome struct {
	RecommendationID core.ID `json:"recommendation_id"`
	Applied          bool    `json:"applied"`
	Reason           string  `json:"reason,omitempty"`
}

// Result is the full output of one enhancement pass. Preview and write mode
// produce the same result; only write mode persists it.
type Result struct {
	ValidationID core.ID   `json:"validation_id"`
	FilePath     string    `json:"file_path"`
	Enhanced     string    `json:"enhanced_content"`
	Diff         string    `json:"diff,omitempty"`
	Outcomes     []Outcome `json:"outcomes"`
	AppliedCount int       `json:"applied_count"`
	BeforeHash   string    `json:"before_hash"`
	AfterHash    string    `json:"after_hash"`
}

// NoChange reports whether the pass left the content untouched.
func (r *Result) NoChange() bool { return r.BeforeHash == r.AfterHash }

// -----------------------------------------------------------------------------
// Enhancer
// -----------------------------------------------------------------------------

// Enhancer applies approved recommendations to content files under safety
// gates. Every mutation happens under an exclusive per-path lock, goes
// through an atomic temp-and-rename replace, and leaves an audit entry. The
// enhancer never consults the cache: it always reads the file itself.
type Enhancer struct {
	fs    afero.Fs
	cfg   config.EnhanceConfig
	locks pathLocks
}

// NewEnhancer builds an enhancer over the given filesystem.
func NewEnhancer(fs afero.Fs, cfg config.EnhanceConfig) *Enhancer {
	return &Enhancer{fs: fs, cfg: cfg}
}

// Preview computes the enhanced content, unified diff and per-recommendation
// outcomes without touching the file or any status.
func (e *Enhancer) Preview(ctx context.Context, record *validation.Record, recs []*recommend.Recommendation) (*Result, error) {
	content, err := e.load(record)
	if err != nil {
		return nil, err
	}
	return e.compute(ctx, record, recs, content)
}

// PreviewContent runs the preview computation over caller-supplied content
// instead of the file on disk. The content is normalized first, so it is
// subject to the same stale-hash check as a file read.
func (e *Enhancer) PreviewContent(ctx context.Context, record *validation.Record, recs []*recommend.Recommendation, content string) (*Result, error) {
	return e.compute(ctx, record, recs, core.NormalizeContent(content))
}

// Apply runs the same computation as Preview and then persists it: the file
// is replaced atomically, applied recommendations move to applied, the
// record moves to enhanced, and an audit entry with before and after hashes
// is returned for the caller to append. Gate-rejected recommendations keep
// their status and gain a rejection note.
func (e *Enhancer) Apply(ctx context.Context, record *validation.Record, recs []*recommend.Recommendation, actor string) (*Result, *audit.Entry, error) {
	absPath, err := filepath.Abs(record.FilePath)
	if err != nil {
		absPath = record.FilePath
	}
	unlock, err := e.lock(ctx, absPath)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	content, err := e.load(record)
	if err != nil {
		return nil, nil, err
	}
	result, err := e.compute(ctx, record, recs, content)
	if err != nil {
		return nil, nil, err
	}
	log := logger.FromContext(ctx)
	if !result.NoChange() {
		if err := e.backup(record.FilePath, content); err != nil {
			return nil, nil, core.NewError(err, core.CodeStorageUnavailable, map[string]any{
				"reason": "backup failed",
				"file":   record.FilePath,
			})
		}
		if err := e.writeAtomic(record.FilePath, result.Enhanced); err != nil {
			return nil, nil, err
		}
		log.Info("enhanced content written",
			"file", record.FilePath,
			"applied", result.AppliedCount,
			"after_hash", result.AfterHash)
	}
	e.settleStatuses(record, recs, result)
	entry := audit.NewEntry(actor, audit.ActionApply).
		ForValidation(record.ID).
		WithHashes(result.BeforeHash, result.AfterHash).
		WithNotes(fmt.Sprintf("applied %d of %d recommendations", result.AppliedCount, len(recs)))
	return result, entry, nil
}

func (e *Enhancer) load(record *validation.Record) (string, error) {
	raw, err := afero.ReadFile(e.fs, record.FilePath)
	if err != nil {
		return "", core.NewError(err, core.CodeNotFound, map[string]any{
			"reason": "content file unreadable",
			"file":   record.FilePath,
		})
	}
	return core.NormalizeContent(string(raw)), nil
}

// settleStatuses mutates the domain objects after a successful pass. The
// caller persists them.
func (e *Enhancer) settleStatuses(record *validation.Record, recs []*recommend.Recommendation, result *Result) {
	byID := make(map[core.ID]*recommend.Recommendation, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}
	for _, outcome := range result.Outcomes {
		rec, ok := byID[outcome.RecommendationID]
		if !ok {
			continue
		}
		if outcome.Applied {
			if rec.Status == recommend.StatusApproved {
				_ = rec.MarkApplied()
			}
			continue
		}
		if outcome.Reason != "" && outcome.Reason != reasonAlreadyApplied {
			rec.Notes = appendNote(rec.Notes, outcome.Reason)
		}
	}
	if record.Status != validation.StatusEnhanced {
		_ = record.SetStatus(validation.StatusEnhanced)
	}
	record.EnhancedHash = result.AfterHash
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "; " + note
}

// -----------------------------------------------------------------------------
// Computation
// -----------------------------------------------------------------------------

const reasonAlreadyApplied = "already applied"

type plannedEdit struct {
	index int
	rec   *recommend.Recommendation
	op    *recommend.EditOp
	pos   int
}

func (e *Enhancer) compute(ctx context.Context, record *validation.Record, recs []*recommend.Recommendation, content string) (*Result, error) {
	hash := core.ContentHash(content)
	result := &Result{
		ValidationID: record.ID,
		FilePath:     record.FilePath,
		BeforeHash:   hash,
		Outcomes:     make([]Outcome, len(recs)),
	}
	for i, rec := range recs {
		result.Outcomes[i] = Outcome{RecommendationID: rec.ID}
	}
	if hash != record.ContentHash {
		if record.Status == validation.StatusEnhanced && record.EnhancedHash == hash {
			for i := range result.Outcomes {
				result.Outcomes[i].Reason = reasonAlreadyApplied
			}
			result.Enhanced = content
			result.AfterHash = hash
			return result, nil
		}
		return nil, core.NewError(nil, core.CodeStaleRecord, map[string]any{
			"reason":        "content changed since validation",
			"file":          record.FilePath,
			"expected_hash": record.ContentHash,
			"actual_hash":   hash,
		})
	}

	starts := lineStarts(content)
	regions := protectedRegions(content)
	var planned []plannedEdit
	for i, rec := range recs {
		if rec.Status != recommend.StatusApproved {
			result.Outcomes[i].Reason = fmt.Sprintf("recommendation is %s, not approved", rec.Status)
			continue
		}
		op := rec.AutomatedFix
		if op == nil {
			result.Outcomes[i].Reason = "no automated fix"
			continue
		}
		if err := op.Validate(); err != nil {
			result.Outcomes[i].Reason = err.Error()
			continue
		}
		pos, err := anchor(op, starts)
		if err != nil {
			result.Outcomes[i].Reason = err.Error()
			continue
		}
		planned = append(planned, plannedEdit{index: i, rec: rec, op: op, pos: pos})
	}
	sort.SliceStable(planned, func(i, j int) bool {
		if planned[i].pos != planned[j].pos {
			return planned[i].pos > planned[j].pos
		}
		return planned[i].rec.ID > planned[j].rec.ID
	})

	log := logger.FromContext(ctx)
	cur := content
	for _, edit := range planned {
		next, s, span, err := e.applyGated(content, cur, edit.op, starts, regions)
		if err != nil {
			reason := err.Error()
			result.Outcomes[edit.index].Reason = reason
			if reason != reasonAlreadyApplied {
				log.Debug("edit rejected",
					"file", record.FilePath,
					"recommendation_id", edit.rec.ID.String(),
					"reason", reason)
			}
			continue
		}
		shiftRegions(regions, s, span, len(next)-len(cur))
		cur = next
		result.Outcomes[edit.index].Applied = true
		result.AppliedCount++
	}

	result.Enhanced = cur
	result.AfterHash = core.ContentHash(cur)
	result.Diff = unifiedDiff(record.FilePath, content, cur)
	return result, nil
}

// applyGated applies one edit and runs the safety gates against the result.
// Any gate failure returns an error and leaves cur untouched. The returned
// ints are the touched range start and its original length in cur
// coordinates.
func (e *Enhancer) applyGated(original, cur string, op *recommend.EditOp, starts []int, regions []region) (string, int, int, error) {
	next, s, end, err := applyOp(cur, op, starts)
	if err != nil {
		return "", 0, 0, err
	}
	if label, ok := protectionViolation(regions, op, s, end); ok {
		return "", 0, 0, fmt.Errorf("edit would disturb a protected %s", label)
	}
	if ratio := rewriteRatio(original, next); ratio > e.cfg.MaxRewriteRatio {
		return "", 0, 0, fmt.Errorf("rewrite ratio %.2f exceeds limit %.2f", ratio, e.cfg.MaxRewriteRatio)
	}
	if topic := introducedTopic(cur, next, e.cfg.BlockedTopics); topic != "" {
		return "", 0, 0, fmt.Errorf("edit introduces blocked topic %q", topic)
	}
	return next, s, end - s, nil
}

// protectionViolation checks the edit's touched range against the protected
// regions. Replace and delete edits wholly inside one region target it
// deliberately and pass; anything straddling a boundary, and any insert
// landing strictly inside a region, fails. Front matter field edits never
// touch the delimiters, so they pass by construction.
func protectionViolation(regions []region, op *recommend.EditOp, s, end int) (string, bool) {
	if op.Kind == recommend.OpSetFrontMatter {
		return "", false
	}
	insert := op.Kind == recommend.OpInsertBefore || op.Kind == recommend.OpInsertAfter
	for _, r := range regions {
		if insert {
			if r.start < s && s < r.end {
				return r.label, true
			}
			continue
		}
		if !r.overlaps(s, end) {
			continue
		}
		if !r.contains(s, end) {
			return r.label, true
		}
	}
	return "", false
}

// shiftRegions moves regions past the touched range by the edit's length
// delta so later (lower-positioned) edits see current coordinates.
func shiftRegions(regions []region, s, spanLen, delta int) {
	if delta == 0 {
		return
	}
	for i := range regions {
		if regions[i].start >= s+spanLen {
			regions[i].start += delta
			regions[i].end += delta
		} else if regions[i].end > s {
			// The edit landed inside this region; stretch it.
			regions[i].end += delta
		}
	}
}

// rewriteRatio measures cumulative drift from the original snapshot.
func rewriteRatio(original, candidate string) float64 {
	if original == candidate {
		return 0
	}
	if len(original) == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(original, candidate)
	return float64(dist) / float64(len(original))
}

// introducedTopic returns the first blocked topic whose occurrence count
// grows from cur to next, or empty when none does.
func introducedTopic(cur, next string, topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	curLower := strings.ToLower(cur)
	nextLower := strings.ToLower(next)
	for _, topic := range topics {
		t := strings.ToLower(strings.TrimSpace(topic))
		if t == "" {
			continue
		}
		if strings.Count(nextLower, t) > strings.Count(curLower, t) {
			return topic
		}
	}
	return ""
}

// -----------------------------------------------------------------------------
// File I/O
// -----------------------------------------------------------------------------

// writeAtomic replaces the file through a sibling temp file and rename.
func (e *Enhancer) writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", filepath.Base(path), time.Now().UnixNano()))
	f, err := e.fs.Create(tmp)
	if err != nil {
		return core.NewError(err, core.CodeStorageUnavailable, map[string]any{
			"reason": "temp file creation failed",
			"file":   path,
		})
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		e.fs.Remove(tmp)
		return core.NewError(err, core.CodeStorageUnavailable, map[string]any{
			"reason": "temp file write failed",
			"file":   path,
		})
	}
	if err := f.Sync(); err != nil {
		f.Close()
		e.fs.Remove(tmp)
		return core.NewError(err, core.CodeStorageUnavailable, map[string]any{
			"reason": "temp file flush failed",
			"file":   path,
		})
	}
	if err := f.Close(); err != nil {
		e.fs.Remove(tmp)
		return core.NewError(err, core.CodeStorageUnavailable, map[string]any{
			"reason": "temp file close failed",
			"file":   path,
		})
	}
	if err := e.fs.Rename(tmp, path); err != nil {
		e.fs.Remove(tmp)
		return core.NewError(err, core.CodeStorageUnavailable, map[string]any{
			"reason": "atomic rename failed",
			"file":   path,
		})
	}
	return nil
}

// FindBackup locates the newest backup of path whose normalized content
// hashes to contentHash. It returns the backup's content, or false when no
// backup matches.
func (e *Enhancer) FindBackup(path, contentHash string) (string, bool) {
	if e.cfg.BackupDir == "" {
		return "", false
	}
	infos, err := afero.ReadDir(e.fs, e.cfg.BackupDir)
	if err != nil {
		return "", false
	}
	prefix := filepath.Base(path) + "."
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() > infos[j].Name() })
	for _, info := range infos {
		if info.IsDir() || !strings.HasPrefix(info.Name(), prefix) {
			continue
		}
		raw, err := afero.ReadFile(e.fs, filepath.Join(e.cfg.BackupDir, info.Name()))
		if err != nil {
			continue
		}
		content := core.NormalizeContent(string(raw))
		if core.ContentHash(content) == contentHash {
			return content, true
		}
	}
	return "", false
}

// backup snapshots the file into the backup directory before the first
// mutation. On the OS filesystem the copy preserves permissions; in-memory
// filesystems get a plain byte copy.
func (e *Enhancer) backup(path, content string) error {
	if e.cfg.BackupDir == "" {
		return nil
	}
	if err := e.fs.MkdirAll(e.cfg.BackupDir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(e.cfg.BackupDir,
		fmt.Sprintf("%s.%s", filepath.Base(path), time.Now().UTC().Format("20060102T150405.000000000")))
	if _, ok := e.fs.(*afero.OsFs); ok {
		return copy.Copy(path, target)
	}
	return afero.WriteFile(e.fs, target, []byte(content), 0o644)
}

// -----------------------------------------------------------------------------
// Locking
// -----------------------------------------------------------------------------

// pathLocks serializes enhancement per absolute path inside the process. On
// the OS filesystem an advisory file lock extends the exclusion across
// processes.
type pathLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (p *pathLocks) get(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*sync.Mutex)
	}
	l, ok := p.m[path]
	if !ok {
		l = &sync.Mutex{}
		p.m[path] = l
	}
	return l
}

func (e *Enhancer) lock(ctx context.Context, absPath string) (func(), error) {
	l := e.locks.get(absPath)
	l.Lock()
	if _, ok := e.fs.(*afero.OsFs); !ok {
		return l.Unlock, nil
	}
	fl := flock.New(absPath + ".lock")
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		l.Unlock()
		if err == nil {
			err = fmt.Errorf("lock not acquired")
		}
		return nil, core.NewError(err, core.CodeConflict, map[string]any{
			"reason": "content file is locked by another process",
			"file":   absPath,
		})
	}
	return func() {
		fl.Unlock()
		l.Unlock()
	}, nil
}
