package data

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"
)

// Task is one persisted unit of download work.
//
// Until the path has been resolved FinalPath and FileName carry the caller's
// hints and TempPath is empty.
type Task struct {
	ID              int64             `json:"id"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	FinalPath       string            `json:"finalPath"`
	TempPath        string            `json:"tempPath"`
	FileName        string            `json:"fileName"`
	Status          Status            `json:"status"`
	Progress        int               `json:"progress"`
	DownloadedBytes int64             `json:"downloadedBytes"`
	TotalBytes      int64             `json:"totalBytes"`
	SpeedBps        int64             `json:"speedBps"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Error           string            `json:"error,omitempty"`

	UID        string `json:"uid,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Type       string `json:"type"`
	Source     string `json:"source,omitempty"`
	Cover      string `json:"cover,omitempty"`
	Duration   int64  `json:"duration,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Extra      string `json:"extra,omitempty"`
}

type Tasks []*Task

// Request is what a caller submits to enqueue a download.
type Request struct {
	URL        string            `json:"url"`
	FileName   string            `json:"fileName,omitempty"`
	FilePath   string            `json:"filePath,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	UID        string            `json:"uid,omitempty"`
	Tag        string            `json:"tag,omitempty"`
	Type       string            `json:"type,omitempty"`
	Source     string            `json:"source,omitempty"`
	Cover      string            `json:"cover,omitempty"`
	Duration   int64             `json:"duration,omitempty"`
	Resolution string            `json:"resolution,omitempty"`
	Extra      string            `json:"extra,omitempty"`
}

// Progress is the latest transfer counters for a running task.
type Progress struct {
	Percent    int
	Downloaded int64
	Total      int64
	Speed      int64
}

// Task types supplied by callers. The dispatcher never interprets them.
const (
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeImage    = "image"
	TypeDocument = "document"
	TypeArchive  = "archive"
	TypeOther    = "other"
)

// UnknownSize marks TotalBytes before the server has reported a length.
const UnknownSize int64 = -1

var (
	ErrNotFound       = errors.New("task not found")
	ErrBadStatus      = errors.New("invalid status")
	ErrInvalidURL     = errors.New("invalid url")
	ErrInvalidRequest = errors.New("invalid request")
	ErrBadConcurrency = errors.New("maxConcurrentDownloads must be positive")
)

// NewTask builds a QUEUED task from a request.
func NewTask(r Request, now time.Time) *Task {
	t := &Task{
		URL:        r.URL,
		Headers:    cloneHeaders(r.Headers),
		FinalPath:  r.FilePath,
		FileName:   r.FileName,
		Status:     StatusQueued,
		TotalBytes: UnknownSize,
		CreatedAt:  now,
		UpdatedAt:  now,
		UID:        r.UID,
		Tag:        r.Tag,
		Type:       r.Type,
		Source:     r.Source,
		Cover:      r.Cover,
		Duration:   r.Duration,
		Resolution: r.Resolution,
		Extra:      r.Extra,
	}
	if t.Type == "" {
		t.Type = TypeOther
	}
	return t
}

// Resolved reports whether final and temp paths have been allocated.
func (t *Task) Resolved() bool { return t.TempPath != "" }

// ApplyProgress copies transfer counters onto the task.
func (t *Task) ApplyProgress(p Progress) {
	t.Progress = p.Percent
	t.DownloadedBytes = p.Downloaded
	t.TotalBytes = p.Total
	t.SpeedBps = p.Speed
}

// Percent returns downloaded as a 0-100 share of total, or 0 when total is unknown.
func Percent(downloaded, total int64) int {
	if total <= 0 {
		return 0
	}
	if downloaded >= total {
		return 100
	}
	return int(downloaded * 100 / total)
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Headers = cloneHeaders(t.Headers)
	return &c
}

func (ts Tasks) Clone() Tasks {
	out := make(Tasks, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

// IDs returns the ids of the tasks in order.
func (ts Tasks) IDs() []int64 {
	ids := make([]int64, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (ts *Tasks) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(ts) }

func (t *Task) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(t) }

func (t *Task) FromJSON(r io.Reader) error { return json.NewDecoder(r).Decode(t) }

func ParseID(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }
