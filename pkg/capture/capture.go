// Package capture records adapter request/response exchanges into an HTTP
// Archive (HAR) 1.2 file. Producers enqueue events without blocking the
// request path; a single writer goroutine drains the queue. When the queue is
// full the oldest event is dropped with a warning.
package capture

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aipo-project/aipo/pkg/paths"
	"github.com/aipo-project/aipo/pkg/version"
)

const defaultQueueSize = 256

// Event is one adapter exchange published to the capture queue.
type Event struct {
	Method       string
	URL          string
	RequestBody  []byte
	RequestMime  string
	Status       int
	StatusText   string
	ResponseBody []byte
	ResponseMime string
	Start        time.Time
	Duration     time.Duration
}

// HAR 1.2 document shapes. Field names and required members follow the
// format: log.version, log.creator, log.pages, log.entries.
type harFile struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Pages   []any      `json:"pages"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         harTimings  `json:"timings"`
}

type harRequest struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"httpVersion"`
	Headers     []harHeader  `json:"headers"`
	QueryString []harHeader  `json:"queryString"`
	Cookies     []any        `json:"cookies"`
	HeadersSize int          `json:"headersSize"`
	BodySize    int          `json:"bodySize"`
	PostData    *harPostData `json:"postData,omitempty"`
}

type harResponse struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []harHeader `json:"headers"`
	Cookies     []any       `json:"cookies"`
	Content     harContent  `json:"content"`
	RedirectURL string      `json:"redirectURL"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`
}

type harHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type harContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
	Encoding string `json:"encoding,omitempty"`
}

type harTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// Capture collects events for one run.
type Capture struct {
	queue  chan Event
	logger *slog.Logger

	mu      sync.Mutex
	entries []harEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New starts the capture writer. queueSize <= 0 uses the default.
func New(queueSize int, logger *slog.Logger) *Capture {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Capture{
		queue:  make(chan Event, queueSize),
		logger: logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.writer()
	return c
}

func (c *Capture) writer() {
	defer close(c.done)
	for {
		select {
		case ev := <-c.queue:
			entry := toEntry(ev)
			c.mu.Lock()
			c.entries = append(c.entries, entry)
			c.mu.Unlock()
		case <-c.stopCh:
			// Drain whatever producers managed to enqueue before stop.
			for {
				select {
				case ev := <-c.queue:
					entry := toEntry(ev)
					c.mu.Lock()
					c.entries = append(c.entries, entry)
					c.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

// Record enqueues an event. It never blocks: when the queue is at capacity
// the oldest queued event is dropped and a warning logged.
func (c *Capture) Record(ev Event) {
	for {
		select {
		case c.queue <- ev:
			return
		default:
		}
		select {
		case dropped := <-c.queue:
			c.logger.Warn("Capture queue full, dropping oldest event",
				"url", dropped.URL, "queue_size", cap(c.queue))
		default:
		}
	}
}

// Finalize stops the writer, drains the queue, and writes session.har under
// dir. Safe to call once; returns the written path.
func (c *Capture) Finalize(dir string) (string, error) {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done

	c.mu.Lock()
	entries := c.entries
	c.mu.Unlock()
	if entries == nil {
		entries = []harEntry{}
	}

	doc := harFile{Log: harLog{
		Version: "1.2",
		Creator: harCreator{Name: version.AppName, Version: version.Engine},
		Pages:   []any{},
		Entries: entries,
	}}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode HAR log: %w", err)
	}
	path := filepath.Join(dir, "session.har")
	if err := paths.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Len reports how many entries the writer has committed.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func toEntry(ev Event) harEntry {
	totalMS := float64(ev.Duration) / float64(time.Millisecond)
	entry := harEntry{
		StartedDateTime: ev.Start.UTC().Format(time.RFC3339Nano),
		Time:            totalMS,
		Request: harRequest{
			Method:      ev.Method,
			URL:         ev.URL,
			HTTPVersion: "HTTP/1.1",
			Headers:     []harHeader{},
			QueryString: []harHeader{},
			Cookies:     []any{},
			HeadersSize: -1,
			BodySize:    len(ev.RequestBody),
		},
		Response: harResponse{
			Status:      ev.Status,
			StatusText:  ev.StatusText,
			HTTPVersion: "HTTP/1.1",
			Headers:     []harHeader{},
			Cookies:     []any{},
			HeadersSize: -1,
			BodySize:    len(ev.ResponseBody),
		},
		Timings: harTimings{Send: 0, Wait: totalMS, Receive: 0},
	}
	if len(ev.RequestBody) > 0 {
		entry.Request.PostData = &harPostData{
			MimeType: mimeOrDefault(ev.RequestMime),
			Text:     string(ev.RequestBody),
		}
	}
	entry.Response.Content = bodyContent(ev.ResponseBody, ev.ResponseMime)
	return entry
}

// bodyContent encodes the response body, base64-encoding binary payloads as
// the HAR spec requires.
func bodyContent(body []byte, mime string) harContent {
	content := harContent{Size: len(body), MimeType: mimeOrDefault(mime)}
	if len(body) == 0 {
		return content
	}
	if utf8.Valid(body) {
		content.Text = string(body)
		return content
	}
	content.Text = base64.StdEncoding.EncodeToString(body)
	content.Encoding = "base64"
	return content
}

func mimeOrDefault(mime string) string {
	if mime == "" {
		return "application/json"
	}
	return mime
}
