package sabnzbd

import (
	"context"
	"errors"
	"net/url"
	"strconv"
)

// QueueSlot is one entry of mode=queue.
type QueueSlot struct {
	NzoID      string   `json:"nzo_id"`
	Filename   string   `json:"filename"`
	Status     string   `json:"status"`
	Percentage Number   `json:"percentage"`
	MB         Number   `json:"mb"`
	MBLeft     Number   `json:"mbleft"`
	Labels     []string `json:"labels"`
	Category   string   `json:"cat"`
}

// HistorySlot is one entry of mode=history.
type HistorySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	FailMessage string `json:"fail_message"`
	Bytes       Number `json:"bytes"`
	Completed   Number `json:"completed"`
	Category    string `json:"category"`
}

// AddRequest describes a job submission.
type AddRequest struct {
	Source   string
	Name     string
	Category string
	Priority int
}

var errNoJob = errors.New("sabnzbd returned no job id")

func (r AddRequest) values() url.Values {
	v := url.Values{}
	if r.Name != "" {
		v.Set("nzbname", r.Name)
	}
	if r.Category != "" {
		v.Set("cat", r.Category)
	}
	if r.Priority != PriorityDefault {
		v.Set("priority", strconv.Itoa(r.Priority))
	}
	return v
}

type addReply struct {
	NzoIDs []string `json:"nzo_ids"`
}

// AddURL fetches an NZB from a URL and queues it.
func (c *Client) AddURL(ctx context.Context, r AddRequest) (string, error) {
	v := r.values()
	v.Set("name", r.Source)
	var out addReply
	if err := c.Call(ctx, "addurl", v, &out); err != nil {
		return "", err
	}
	return firstID(out)
}

// AddFile uploads a local NZB file and queues it.
func (c *Client) AddFile(ctx context.Context, r AddRequest) (string, error) {
	var out addReply
	if err := c.Upload(ctx, r.Source, r.values(), &out); err != nil {
		return "", err
	}
	return firstID(out)
}

func firstID(r addReply) (string, error) {
	if len(r.NzoIDs) == 0 || r.NzoIDs[0] == "" {
		return "", errNoJob
	}
	return r.NzoIDs[0], nil
}

// Queue returns the active download queue.
func (c *Client) Queue(ctx context.Context) ([]QueueSlot, error) {
	var out struct {
		Queue struct {
			Slots []QueueSlot `json:"slots"`
		} `json:"queue"`
	}
	if err := c.Call(ctx, "queue", url.Values{"limit": {"0"}}, &out); err != nil {
		return nil, err
	}
	return out.Queue.Slots, nil
}

// History returns finished and post-processing jobs.
func (c *Client) History(ctx context.Context) ([]HistorySlot, error) {
	var out struct {
		History struct {
			Slots []HistorySlot `json:"slots"`
		} `json:"history"`
	}
	if err := c.Call(ctx, "history", url.Values{"limit": {"0"}}, &out); err != nil {
		return nil, err
	}
	return out.History.Slots, nil
}

func (c *Client) queueAction(ctx context.Context, name, id string, extra url.Values) error {
	v := url.Values{"name": {name}, "value": {id}}
	for k, vals := range extra {
		v[k] = vals
	}
	return c.Call(ctx, "queue", v, nil)
}

// DeleteJob removes a job from the queue.
func (c *Client) DeleteJob(ctx context.Context, id string, deleteFiles bool) error {
	return c.queueAction(ctx, "delete", id, delFiles(deleteFiles))
}

// DeleteHistory removes a history entry.
func (c *Client) DeleteHistory(ctx context.Context, id string, deleteFiles bool) error {
	v := delFiles(deleteFiles)
	v.Set("name", "delete")
	v.Set("value", id)
	return c.Call(ctx, "history", v, nil)
}

func (c *Client) PauseJob(ctx context.Context, id string) error {
	return c.queueAction(ctx, "pause", id, nil)
}

func (c *Client) ResumeJob(ctx context.Context, id string) error {
	return c.queueAction(ctx, "resume", id, nil)
}

// CreateCategory adds a category that stores its jobs under dir.
func (c *Client) CreateCategory(ctx context.Context, name, dir string) error {
	v := url.Values{"section": {"categories"}, "name": {name}}
	if dir != "" {
		v.Set("dir", dir)
	}
	return c.Call(ctx, "set_config", v, nil)
}

func (c *Client) DeleteCategory(ctx context.Context, name string) error {
	return c.Call(ctx, "del_config", url.Values{"section": {"categories"}, "keyword": {name}}, nil)
}

// Version returns the server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.Call(ctx, "version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

func delFiles(on bool) url.Values {
	v := url.Values{}
	if on {
		v.Set("del_files", "1")
	}
	return v
}
