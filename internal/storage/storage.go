package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// Common errors for storage operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// DigestAlgorithmShake256 is the only digest algorithm in use.
const DigestAlgorithmShake256 = "shake256"

// Digest represents a content hash.
type Digest struct {
	Algorithm string // e.g., "shake256"
	Value     []byte // raw hash bytes (64 bytes for SHAKE256)
}

// String returns the digest in the format "algorithm:hex".
func (d Digest) String() string {
	return fmt.Sprintf("%s:%s", d.Algorithm, hex.EncodeToString(d.Value))
}

// Hex returns just the hex-encoded hash value.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Value)
}

// IsZero reports whether no digest was computed.
func (d Digest) IsZero() bool {
	return len(d.Value) == 0
}

// ParseDigest parses a digest string in the format "algorithm:hex".
func ParseDigest(s string) (Digest, error) {
	for i, c := range s {
		if c == ':' {
			algorithm := s[:i]
			hexStr := s[i+1:]
			value, err := hex.DecodeString(hexStr)
			if err != nil {
				return Digest{}, fmt.Errorf("invalid digest hex: %w", err)
			}
			return Digest{Algorithm: algorithm, Value: value}, nil
		}
	}
	return Digest{}, fmt.Errorf("invalid digest format: missing algorithm prefix")
}

// JobStatus is the state of a process execution.
type JobStatus string

const (
	StatusRunning    JobStatus = "running"
	StatusSuccessful JobStatus = "successful"
	StatusFailed     JobStatus = "failed"
)

// JobRecord is one execution of a process.
type JobRecord struct {
	ID         string
	Process    string
	Status     JobStatus
	Message    string
	ExitCode   int
	Inputs     string // raw JSON inputs
	CreateTime time.Time
	FinishTime time.Time
	Outputs    []OutputRecord
}

// OutputRecord describes a file produced by a job.
type OutputRecord struct {
	Name   string
	Key    string // bucket key, empty if the output is not stored
	Href   string
	Size   int64
	Digest Digest
}

// JobStore persists job records.
type JobStore interface {
	// Create stores a new job. Returns ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, job *JobRecord) error

	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*JobRecord, error)

	// Update replaces an existing job. Returns ErrNotFound if it does not exist.
	Update(ctx context.Context, job *JobRecord) error

	// List returns jobs, newest first. An empty process lists all jobs.
	List(ctx context.Context, process string, limit int) ([]*JobRecord, error)

	io.Closer
}

// OutputStore gives access to the files in the download directory.
type OutputStore interface {
	// Open returns a reader for key, or ErrNotFound.
	Open(ctx context.Context, key string) (*Object, error)

	// Describe returns size and digest of key, or ErrNotFound.
	Describe(ctx context.Context, key string) (int64, Digest, error)
}

// Object is an open output file.
type Object struct {
	io.ReadCloser
	Size        int64
	ContentType string
	ModTime     time.Time
}
