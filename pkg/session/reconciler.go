package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/agentx-dev/agentx/pkg/store"
)

// Reconciler repairs anomalies left behind by partial Save or Delete
// sequences (the storage substrate has no multi-key transactions). A run
// removes index entries whose primary record is gone or whose owner segment
// no longer matches the session's fields, drops message lists orphaned by a
// partial delete, and re-creates index entries missing for live sessions.
// Reads already tolerate anomalies, so reconciliation is a hygiene pass, not
// a correctness requirement for lookups.
type Reconciler struct {
	repo    *Repository
	storage store.Storage
}

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	// ScannedIndexes is the number of index entries examined.
	ScannedIndexes int
	// RemovedDangling is the number of index entries whose session was gone.
	RemovedDangling int
	// RemovedMismatched is the number of index entries whose owner no longer
	// matched the session's fields.
	RemovedMismatched int
	// RemovedOrphanedMessages is the number of message lists whose session
	// was gone.
	RemovedOrphanedMessages int
	// RestoredMissing is the number of index entries re-created for live sessions.
	RestoredMissing int
}

// NewReconciler creates a reconciler over the repository's storage.
func NewReconciler(repo *Repository, storage store.Storage) *Reconciler {
	return &Reconciler{repo: repo, storage: storage}
}

// Run executes one reconciliation pass.
func (rc *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	// Pass 1: drop index entries pointing at missing sessions, and entries
	// whose owner segment disagrees with the live session (left behind when
	// a Save with changed fields raced a crash, or by a partial Delete).
	idxKeys, err := rc.storage.Keys(ctx, idxKeyPrefix)
	if err != nil {
		return report, fmt.Errorf("scan indexes: %w", err)
	}
	for _, key := range idxKeys {
		report.ScannedIndexes++

		family, owner, sessionID, ok := parseIndexKey(key)
		if !ok {
			log.Printf("reconcile: unrecognized index key %q, skipping", key)
			continue
		}

		sess, err := rc.repo.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			if err := rc.storage.Delete(ctx, key); err != nil {
				return report, fmt.Errorf("remove dangling index %s: %w", key, err)
			}
			report.RemovedDangling++
			continue
		}
		if err != nil {
			return report, err
		}

		mismatched := (family == idxFamilyTemplate && sess.TemplateID != owner) ||
			(family == idxFamilyContainer && sess.ContainerID != owner)
		if mismatched {
			if err := rc.storage.Delete(ctx, key); err != nil {
				return report, fmt.Errorf("remove mismatched index %s: %w", key, err)
			}
			report.RemovedMismatched++
		}
	}

	// Pass 2: drop message lists whose session is gone (a crash in Delete
	// after the primary record was removed leaves them behind, and no read
	// path would ever reach them again).
	msgKeys, err := rc.storage.Keys(ctx, messagesKeyPrefix)
	if err != nil {
		return report, fmt.Errorf("scan message lists: %w", err)
	}
	for _, key := range msgKeys {
		sessionID := strings.TrimPrefix(key, messagesKeyPrefix)
		_, err := rc.repo.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			if err := rc.storage.Delete(ctx, key); err != nil {
				return report, fmt.Errorf("remove orphaned messages %s: %w", key, err)
			}
			report.RemovedOrphanedMessages++
			continue
		}
		if err != nil {
			return report, err
		}
	}

	// Pass 3: restore index entries missing for live sessions. Sessions are
	// independent, so the checks run concurrently with bounded parallelism.
	sessions, err := rc.repo.ListAll(ctx)
	if err != nil {
		return report, err
	}

	var restoredCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			keys := []string{templateIdxKey(sess.TemplateID, sess.SessionID)}
			if sess.ContainerID != "" {
				keys = append(keys, containerIdxKey(sess.ContainerID, sess.SessionID))
			}
			for _, key := range keys {
				restored, err := rc.ensureIndex(gctx, key)
				if err != nil {
					return err
				}
				if restored {
					restoredCount.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	report.RestoredMissing = int(restoredCount.Load())

	return report, nil
}

func (rc *Reconciler) ensureIndex(ctx context.Context, key string) (bool, error) {
	_, err := rc.storage.Get(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrKeyNotFound) {
		return false, fmt.Errorf("check index %s: %w", key, err)
	}
	if err := rc.storage.Set(ctx, key, nil); err != nil {
		return false, fmt.Errorf("restore index %s: %w", key, err)
	}
	return true, nil
}

// Schedule runs reconciliation on a cron schedule (e.g. "@every 15m").
// The returned cron is already started; call its Stop to cancel.
func (rc *Reconciler) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		report, err := rc.Run(ctx)
		if err != nil {
			log.Printf("index reconciliation failed: %v", err)
			return
		}
		if report.RemovedDangling > 0 || report.RemovedMismatched > 0 ||
			report.RemovedOrphanedMessages > 0 || report.RestoredMissing > 0 {
			log.Printf("index reconciliation: scanned=%d removed=%d mismatched=%d orphaned=%d restored=%d",
				report.ScannedIndexes, report.RemovedDangling, report.RemovedMismatched,
				report.RemovedOrphanedMessages, report.RestoredMissing)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reconciliation: %w", err)
	}
	c.Start()
	return c, nil
}

const (
	idxFamilyTemplate  = "template"
	idxFamilyContainer = "container"
)

// parseIndexKey splits an index key into its family, owner segment and
// session ID. Both index families have the shape
// "idx:sessions:{family}:{owner}:{sessionId}"; session IDs are UUIDs and
// contain no colon, so the final colon-separated segment is the session ID.
func parseIndexKey(key string) (family, owner, sessionID string, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(key, templateIdxKeyPrefix):
		family = idxFamilyTemplate
		rest = strings.TrimPrefix(key, templateIdxKeyPrefix)
	case strings.HasPrefix(key, containerIdxKeyPrefix):
		family = idxFamilyContainer
		rest = strings.TrimPrefix(key, containerIdxKeyPrefix)
	default:
		return "", "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", "", false
	}
	return family, rest[:i], rest[i+1:], true
}
