package signing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsuite/esign/provider"
	"github.com/docsuite/esign/signerr"
)

// ErrJobNotFound is returned for request ids that were never issued or whose
// job has passed its retention window.
var ErrJobNotFound = errors.New("signing: request not found")

// ErrJobNotFinished is returned when the signed document is requested before
// the job reached a terminal state.
var ErrJobNotFinished = errors.New("signing: request not finished")

// DefaultRetention is how long a finished job stays retrievable.
const DefaultRetention = 15 * time.Minute

type job struct {
	id        string
	method    provider.Method
	cancel    context.CancelFunc
	createdAt time.Time

	mu         sync.Mutex
	status     provider.Status
	signed     *Signed
	err        error
	finishedAt time.Time
}

// JobView is a point-in-time snapshot of a background job.
type JobView struct {
	ID         string          `json:"requestId"`
	Method     provider.Method `json:"method"`
	Status     provider.Status `json:"status"`
	Error      *JobError       `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// JobError carries the taxonomy kind alongside the message so clients can
// branch without parsing text.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Jobs runs signing requests in the background and keeps finished results
// around for the retention window.
type Jobs struct {
	orch      *Orchestrator
	logger    *slog.Logger
	retention time.Duration

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

func NewJobs(orch *Orchestrator, logger *slog.Logger, retention time.Duration) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Jobs{
		orch:      orch,
		logger:    logger,
		retention: retention,
		jobs:      make(map[string]*job),
	}
}

// Start validates the request and launches it in the background. Validation
// failures surface synchronously so the caller gets a 400, not a doomed job.
func (r *Jobs) Start(req *Request) (string, error) {
	if err := r.orch.Validate(req); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:        uuid.NewString(),
		method:    req.Method,
		cancel:    cancel,
		createdAt: time.Now().UTC(),
		status:    provider.StatusPending,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", signerr.New(signerr.KindInternal, "signing service is shutting down")
	}
	r.jobs[j.id] = j
	r.mu.Unlock()

	req.OnStatus = func(s provider.Status) {
		j.mu.Lock()
		if !j.status.Terminal() {
			j.status = s
		}
		j.mu.Unlock()
	}

	go r.run(ctx, j, req)
	return j.id, nil
}

func (r *Jobs) run(ctx context.Context, j *job, req *Request) {
	defer j.cancel()

	signed, err := r.orch.Sign(ctx, req)

	j.mu.Lock()
	j.finishedAt = time.Now().UTC()
	if err != nil {
		j.err = err
		j.status = failureStatus(err)
		r.logger.Info("signing job failed",
			"requestId", j.id, "method", j.method, "kind", signerr.KindOf(err))
	} else {
		j.signed = signed
		j.status = provider.StatusSigned
		r.logger.Info("signing job completed",
			"requestId", j.id, "method", j.method, "signer", signed.Signer.CommonName)
	}
	j.mu.Unlock()

	time.AfterFunc(r.retention, func() { r.remove(j.id) })
}

func (r *Jobs) remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

func (r *Jobs) lookup(id string) (*job, bool) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	return j, ok
}

// Get returns a snapshot of one job.
func (r *Jobs) Get(id string) (*JobView, error) {
	j, ok := r.lookup(id)
	if !ok {
		return nil, ErrJobNotFound
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	view := &JobView{
		ID:        j.id,
		Method:    j.method,
		Status:    j.status,
		CreatedAt: j.createdAt,
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		view.FinishedAt = &t
	}
	if j.err != nil {
		view.Error = &JobError{
			Kind:    string(signerr.KindOf(j.err)),
			Message: j.err.Error(),
		}
	}
	return view, nil
}

// Document returns the stamped PDF of a finished job.
func (r *Jobs) Document(id string) (*Signed, error) {
	j, ok := r.lookup(id)
	if !ok {
		return nil, ErrJobNotFound
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.err != nil {
		return nil, j.err
	}
	if j.signed == nil {
		return nil, ErrJobNotFinished
	}
	return j.signed, nil
}

// Cancel aborts a running job. Finished jobs are left untouched so their
// result stays retrievable.
func (r *Jobs) Cancel(id string) error {
	j, ok := r.lookup(id)
	if !ok {
		return ErrJobNotFound
	}

	j.mu.Lock()
	done := j.status.Terminal()
	j.mu.Unlock()
	if done {
		return nil
	}

	j.cancel()
	return nil
}

// Close cancels every running job. Results already produced stay readable
// until the process exits.
func (r *Jobs) Close() {
	r.mu.Lock()
	r.closed = true
	jobs := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
}

// failureStatus maps an error kind to the job status shown to clients.
func failureStatus(err error) provider.Status {
	switch signerr.KindOf(err) {
	case signerr.KindUserRejected:
		return provider.StatusRejected
	case signerr.KindExpired:
		return provider.StatusExpired
	default:
		return provider.StatusError
	}
}
