package storage

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gocloud.dev/docstore"
	"gocloud.dev/docstore/memdocstore"
	"gocloud.dev/gcerrors"
)

// JobDoc is the docstore document for jobs.
type JobDoc struct {
	ID         string      `docstore:"id"`
	Process    string      `docstore:"process"`
	Status     string      `docstore:"status"`
	Message    string      `docstore:"message,omitempty"`
	ExitCode   int         `docstore:"exit_code"`
	Inputs     string      `docstore:"inputs,omitempty"`
	CreateTime time.Time   `docstore:"create_time"`
	FinishTime time.Time   `docstore:"finish_time"`
	Outputs    []OutputDoc `docstore:"outputs,omitempty"`
}

// OutputDoc is embedded in JobDoc.
type OutputDoc struct {
	Name   string `docstore:"name"`
	Key    string `docstore:"key,omitempty"`
	Href   string `docstore:"href,omitempty"`
	Size   int64  `docstore:"size"`
	Digest string `docstore:"digest,omitempty"` // "shake256:hex"
}

// JobStoreImpl implements JobStore using gocloud.dev/docstore.
type JobStoreImpl struct {
	jobs *docstore.Collection
}

var _ JobStore = (*JobStoreImpl)(nil)

// NewJobStore creates a new gocloud.dev/docstore-backed job store.
func NewJobStore(jobs *docstore.Collection) *JobStoreImpl {
	return &JobStoreImpl{jobs: jobs}
}

// OpenJobCollection opens the jobs collection. For memdocstore (mem://) the
// collection is persisted to a file in cacheDir when it is set.
func OpenJobCollection(ctx context.Context, urlBase, cacheDir string) (*docstore.Collection, error) {
	if urlBase == "" || strings.HasPrefix(urlBase, "mem://") {
		var opts *memdocstore.Options
		if cacheDir != "" {
			if err := os.MkdirAll(cacheDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create cache directory: %w", err)
			}
			opts = &memdocstore.Options{Filename: filepath.Join(cacheDir, "jobs.json")}
		}
		coll, err := memdocstore.OpenCollection("id", opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open jobs collection: %w", err)
		}
		return coll, nil
	}

	coll, err := docstore.OpenCollection(ctx, strings.TrimRight(urlBase, "/")+"/jobs?id_field=id")
	if err != nil {
		return nil, fmt.Errorf("failed to open jobs collection: %w", err)
	}
	return coll, nil
}

// Close closes the docstore collection.
func (s *JobStoreImpl) Close() error {
	return s.jobs.Close()
}

func (s *JobStoreImpl) Create(ctx context.Context, job *JobRecord) error {
	if err := s.jobs.Create(ctx, jobRecordToDoc(job)); err != nil {
		if gcerrors.Code(err) == gcerrors.AlreadyExists {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *JobStoreImpl) Get(ctx context.Context, id string) (*JobRecord, error) {
	doc := &JobDoc{ID: id}
	if err := s.jobs.Get(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return jobDocToRecord(doc)
}

func (s *JobStoreImpl) Update(ctx context.Context, job *JobRecord) error {
	if err := s.jobs.Replace(ctx, jobRecordToDoc(job)); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *JobStoreImpl) List(ctx context.Context, process string, limit int) ([]*JobRecord, error) {
	q := s.jobs.Query()
	if process != "" {
		q = q.Where("process", "=", process)
	}
	iter := q.Get(ctx)
	defer iter.Stop()

	var jobs []*JobRecord
	for {
		doc := &JobDoc{}
		if err := iter.Next(ctx, doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		rec, err := jobDocToRecord(doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}

	slices.SortFunc(jobs, func(a, b *JobRecord) int {
		if c := b.CreateTime.Compare(a.CreateTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func jobRecordToDoc(r *JobRecord) *JobDoc {
	doc := &JobDoc{
		ID:         r.ID,
		Process:    r.Process,
		Status:     string(r.Status),
		Message:    r.Message,
		ExitCode:   r.ExitCode,
		Inputs:     r.Inputs,
		CreateTime: r.CreateTime,
		FinishTime: r.FinishTime,
	}
	for _, o := range r.Outputs {
		od := OutputDoc{Name: o.Name, Key: o.Key, Href: o.Href, Size: o.Size}
		if !o.Digest.IsZero() {
			od.Digest = o.Digest.String()
		}
		doc.Outputs = append(doc.Outputs, od)
	}
	return doc
}

func jobDocToRecord(doc *JobDoc) (*JobRecord, error) {
	r := &JobRecord{
		ID:         doc.ID,
		Process:    doc.Process,
		Status:     JobStatus(doc.Status),
		Message:    doc.Message,
		ExitCode:   doc.ExitCode,
		Inputs:     doc.Inputs,
		CreateTime: doc.CreateTime,
		FinishTime: doc.FinishTime,
	}
	for _, od := range doc.Outputs {
		o := OutputRecord{Name: od.Name, Key: od.Key, Href: od.Href, Size: od.Size}
		if od.Digest != "" {
			d, err := ParseDigest(od.Digest)
			if err != nil {
				return nil, fmt.Errorf("job %s: output %s: %w", doc.ID, od.Name, err)
			}
			o.Digest = d
		}
		r.Outputs = append(r.Outputs, o)
	}
	return r, nil
}
