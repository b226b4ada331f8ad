// Package socketexpert implements an expert that runs on a remote socket.io
// service.
//
// Each execution opens its own connection, emits an "execute" event carrying
// the sub-job and its inputs, and waits for an "outcome" event whose job_id
// matches. Outcomes for other jobs on the same namespace are ignored.
package socketexpert

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/expert"
)

const (
	EventExecute = "execute"
	EventOutcome = "outcome"

	defaultTimeout = 60 * time.Second
)

// Config describes where the remote expert lives.
type Config struct {
	Profile            expert.Profile
	URL                string
	Namespace          string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Expert is a remote expert reached over socket.io.
type Expert struct {
	cfg     Config
	baseURL string
	path    string
}

// New validates cfg and returns the expert. No connection is made until
// Execute is called.
func New(cfg Config) (*Expert, error) {
	if cfg.Profile.Name == "" {
		return nil, fmt.Errorf("remote expert name must not be empty")
	}
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("remote expert %q: URL %q must include scheme and host", cfg.Profile.Name, cfg.URL)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Expert{
		cfg:     cfg,
		baseURL: fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host),
		path:    parsedURL.Path,
	}, nil
}

// Profile implements expert.Expert.
func (e *Expert) Profile() expert.Profile {
	return e.cfg.Profile
}

type opResult struct {
	outcome expert.Outcome
	err     error
}

// Execute implements expert.Expert.
func (e *Expert) Execute(ctx context.Context, in *expert.Input) (expert.Outcome, error) {
	logger := ctxlog.FromContext(ctx).With("expert", e.cfg.Profile.Name, "url", e.cfg.URL, "job_id", in.Job.ID)
	logger.Debug("Remote execution started")
	defer logger.Debug("Remote execution finished")

	payload, err := encodeRequest(in)
	if err != nil {
		return nil, err
	}

	var isConnected atomic.Bool
	done := make(chan opResult, 1)
	finish := func(r opResult) {
		select {
		case done <- r:
		default:
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	opts := socket.DefaultOptions()
	opts.SetPath(e.path)
	if e.cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(e.baseURL, opts)
	io := manager.Socket(e.cfg.Namespace, opts)
	defer func() {
		logger.Debug("Disconnecting socket client")
		io.Disconnect()
	}()

	io.On(types.EventName("connect"), func(...any) {
		isConnected.Store(true)
		logger.Info("Connected to remote expert", "sid", io.Id())
		io.Emit(EventExecute, payload)
	})

	io.On(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("socket.io connection failed")
		if len(errs) > 0 {
			if cerr, ok := errs[0].(error); ok {
				err = fmt.Errorf("socket.io connection failed: %w", cerr)
			}
		}
		finish(opResult{err: err})
	})

	io.On(types.EventName(EventOutcome), func(data ...any) {
		if len(data) == 0 {
			return
		}
		w, err := decodeWire(data[0])
		if err != nil {
			finish(opResult{err: err})
			return
		}
		if w.JobID != in.Job.ID {
			logger.Debug("Ignoring outcome for another job", "other_job_id", w.JobID)
			return
		}
		out, err := w.outcome()
		finish(opResult{outcome: out, err: err})
	})

	io.Connect()

	select {
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isConnected.Load() {
			return nil, fmt.Errorf("timed out after %v waiting for event '%s'", e.cfg.Timeout, EventOutcome)
		}
		return nil, fmt.Errorf("timed out while waiting for initial connection")
	case res := <-done:
		if res.err == nil {
			logger.Info("Received remote outcome", "status", expert.StatusOf(res.outcome))
		}
		return res.outcome, res.err
	}
}

// wireOutcome is the JSON shape of an "outcome" event.
type wireOutcome struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Payload string `json:"payload"`
	Lesson  string `json:"lesson"`
	Tokens  int    `json:"tokens"`
}

func (w wireOutcome) outcome() (expert.Outcome, error) {
	out := expert.FromStatus(expert.Status(w.Status), expert.Report{
		Payload: w.Payload,
		Lesson:  w.Lesson,
		Tokens:  w.Tokens,
	})
	if out == nil {
		return nil, fmt.Errorf("remote expert reported unknown status %q", w.Status)
	}
	return out, nil
}

// decodeWire accepts the event argument as decoded by the socket.io client
// (usually map[string]any) or as raw JSON text.
func decodeWire(data any) (wireOutcome, error) {
	var raw []byte
	switch v := data.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return wireOutcome{}, fmt.Errorf("failed to encode outcome event: %w", err)
		}
		raw = b
	}
	var w wireOutcome
	if err := json.Unmarshal(raw, &w); err != nil {
		return wireOutcome{}, fmt.Errorf("failed to decode outcome event: %w", err)
	}
	return w, nil
}

type wireMessage struct {
	JobID   string `json:"job_id"`
	Payload string `json:"payload"`
}

type wireRequest struct {
	JobID              string        `json:"job_id"`
	OriginalJobID      string        `json:"original_job_id"`
	Goal               string        `json:"goal"`
	Context            string        `json:"context"`
	OutputSchema       string        `json:"output_schema"`
	PredecessorResults []wireMessage `json:"predecessor_results"`
	Lessons            []string      `json:"lessons"`
}

// encodeRequest builds the "execute" event argument as a plain map so the
// client serialises it as a JSON object.
func encodeRequest(in *expert.Input) (map[string]any, error) {
	req := wireRequest{
		JobID:         in.Job.ID,
		OriginalJobID: in.Job.OriginalJobID,
		Goal:          in.Job.Goal,
		Context:       in.Job.Context,
		OutputSchema:  in.Job.OutputSchema,
		Lessons:       in.Lessons,
	}
	for _, m := range in.PredecessorResults {
		if m != nil {
			req.PredecessorResults = append(req.PredecessorResults, wireMessage{JobID: m.JobID, Payload: m.Payload})
		}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute event: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to encode execute event: %w", err)
	}
	return out, nil
}
