// Package nzb drives Usenet jobs through SABnzbd.
package nzb

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/sabnzbd"
)

const (
	duplicateLabel   = "ALTERNATIVE"
	duplicateMessage = "Duplicated Job!"
	mib              = 1 << 20
)

// Client is the part of sabnzbd.Client the adapter uses.
type Client interface {
	AddURL(ctx context.Context, r sabnzbd.AddRequest) (string, error)
	AddFile(ctx context.Context, r sabnzbd.AddRequest) (string, error)
	Queue(ctx context.Context) ([]sabnzbd.QueueSlot, error)
	History(ctx context.Context) ([]sabnzbd.HistorySlot, error)
	DeleteJob(ctx context.Context, id string, deleteFiles bool) error
	DeleteHistory(ctx context.Context, id string, deleteFiles bool) error
	PauseJob(ctx context.Context, id string) error
	ResumeJob(ctx context.Context, id string) error
	CreateCategory(ctx context.Context, name, dir string) error
	DeleteCategory(ctx context.Context, name string) error
	Version(ctx context.Context) (string, error)
}

var _ Client = (*sabnzbd.Client)(nil)

// Adapter implements engine.Adapter for SABnzbd. Every task gets its own
// category, named after its tag, so the download directory is per task.
type Adapter struct {
	cl  Client
	log *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	category string
	// queued is cleared once the job shows up in history.
	queued bool
}

func NewAdapter(cl Client, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{cl: cl, log: log.With("backend", "sabnzbd"), jobs: make(map[string]*job)}
}

var _ engine.Adapter = (*Adapter)(nil)
var _ engine.Pinger = (*Adapter)(nil)

func (a *Adapter) Kind() engine.Kind { return engine.KindNZB }

func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.cl.Version(ctx)
	return err
}

func (a *Adapter) Start(ctx context.Context, spec engine.StartSpec) (string, error) {
	if spec.Tag != "" {
		if err := a.cl.CreateCategory(ctx, spec.Tag, spec.Dir); err != nil {
			return "", fmt.Errorf("%w: category: %v", engine.ErrRejected, err)
		}
	}
	req := sabnzbd.AddRequest{
		Source:   spec.Source,
		Name:     spec.Name,
		Category: spec.Tag,
		Priority: sabnzbd.PriorityDefault,
	}
	if spec.Paused {
		req.Priority = sabnzbd.PriorityPaused
	}
	add := a.cl.AddURL
	if !strings.Contains(spec.Source, "://") {
		add = a.cl.AddFile
	}
	id, err := add(ctx, req)
	if err != nil {
		if spec.Tag != "" {
			if derr := a.cl.DeleteCategory(ctx, spec.Tag); derr != nil {
				a.log.Warn("delete category failed", "category", spec.Tag, "error", derr)
			}
		}
		return "", fmt.Errorf("%w: %v", engine.ErrRejected, err)
	}
	a.mu.Lock()
	a.jobs[id] = &job{category: spec.Tag, queued: true}
	a.mu.Unlock()
	return id, nil
}

// Snapshot reads queue and history concurrently.
func (a *Adapter) Snapshot(ctx context.Context) ([]engine.JobState, error) {
	var queue []sabnzbd.QueueSlot
	var history []sabnzbd.HistorySlot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		queue, err = a.cl.Queue(gctx)
		return err
	})
	g.Go(func() (err error) {
		history, err = a.cl.History(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]engine.JobState, 0, len(queue)+len(history))
	a.mu.Lock()
	for i := range history {
		if j, ok := a.jobs[history[i].NzoID]; ok {
			j.queued = false
		}
		out = append(out, fromHistory(&history[i]))
	}
	a.mu.Unlock()
	for i := range queue {
		out = append(out, fromQueue(&queue[i]))
	}
	return out, nil
}

func fromQueue(s *sabnzbd.QueueSlot) engine.JobState {
	total := int64(math.Round(float64(s.MB) * mib))
	left := int64(math.Round(float64(s.MBLeft) * mib))
	js := engine.JobState{
		NativeID:        s.NzoID,
		Phase:           s.Status,
		Progress:        float64(s.Percentage) / 100,
		TotalSize:       total,
		DownloadedBytes: max(total-left, 0),
		Labels:          s.Labels,
	}
	// SABnzbd shows "Trying to fetch NZB from ..." until the NZB is parsed.
	if !strings.HasPrefix(s.Filename, "Trying") {
		js.Name = s.Filename
	}
	switch {
	case len(s.Labels) > 0 && s.Labels[0] == duplicateLabel:
		js.Class = engine.ClassError
		js.ErrorMessage = duplicateMessage
	case s.Status == "Grabbing" || s.Status == "Fetching" || s.Status == "Propagating":
		js.Class = engine.ClassMetadata
	case s.Status == "Downloading":
		js.Class = engine.ClassTransferring
	default:
		js.Class = engine.ClassIgnore
	}
	return js
}

func fromHistory(s *sabnzbd.HistorySlot) engine.JobState {
	js := engine.JobState{
		NativeID:        s.NzoID,
		Phase:           s.Status,
		Name:            s.Name,
		TotalSize:       int64(s.Bytes),
		DownloadedBytes: int64(s.Bytes),
	}
	switch s.Status {
	case "Completed":
		js.Class = engine.ClassCompleted
		js.Progress = 1
		if s.Completed > 0 {
			js.CompletedAt = time.Unix(int64(s.Completed), 0)
		}
	case "Failed":
		js.Class = engine.ClassError
		js.ErrorMessage = s.FailMessage
	default:
		// Queued, Verifying, Repairing, Extracting, Moving, Running
		js.Class = engine.ClassIgnore
	}
	return js
}

// Cancel deletes the history entry together with the task category. The
// queue job is deleted as well when the job never reached history or the
// history delete failed.
func (a *Adapter) Cancel(ctx context.Context, id string) error {
	a.mu.Lock()
	j, known := a.jobs[id]
	delete(a.jobs, id)
	a.mu.Unlock()
	if !known {
		j = &job{queued: true}
	}

	var histErr error
	var g errgroup.Group
	g.Go(func() error {
		histErr = a.cl.DeleteHistory(ctx, id, true)
		return nil
	})
	if j.category != "" {
		g.Go(func() error {
			if err := a.cl.DeleteCategory(ctx, j.category); err != nil {
				a.log.Warn("delete category failed", "category", j.category, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if histErr == nil && !j.queued {
		return nil
	}
	if err := a.cl.DeleteJob(ctx, id, true); err != nil {
		if histErr == nil {
			return nil
		}
		if sabnzbd.IsNotFound(err) && sabnzbd.IsNotFound(histErr) {
			return engine.ErrNotFound
		}
		return err
	}
	return nil
}

func (a *Adapter) Reannounce(context.Context, string) error { return nil }
func (a *Adapter) Recheck(context.Context, string) error    { return nil }

func (a *Adapter) Pause(ctx context.Context, id string) error { return a.cl.PauseJob(ctx, id) }

func (a *Adapter) Unpause(ctx context.Context, id string) (string, error) {
	if err := a.cl.ResumeJob(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}
