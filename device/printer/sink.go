package printer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/Alia5/vprinter/internal/spool"
	"github.com/Alia5/vprinter/mutate"
)

// ScanPolicy selects how the end-of-job marker is searched for.
type ScanPolicy int

const (
	// ScanStream scans the previous chunk's tail plus the current chunk, so a
	// marker split across two transfers is still detected.
	ScanStream ScanPolicy = iota
	// ScanChunk scans each chunk on its own. A marker split across two
	// transfers is missed.
	ScanChunk
)

func (p ScanPolicy) String() string {
	switch p {
	case ScanChunk:
		return "chunk"
	default:
		return "stream"
	}
}

// ParseScanPolicy maps "stream" or "chunk" to a ScanPolicy.
func ParseScanPolicy(s string) (ScanPolicy, error) {
	switch strings.ToLower(s) {
	case "stream", "":
		return ScanStream, nil
	case "chunk":
		return ScanChunk, nil
	default:
		return ScanStream, fmt.Errorf("unknown scan policy %q (want stream or chunk)", s)
	}
}

// Clock supplies the time used to name artifacts.
type Clock func() time.Time

// Diagnostics receives the sink's start/complete log lines.
type Diagnostics interface {
	Diagnostic(msg string, args ...any)
}

// SinkOptions configures a JobSink.
type SinkOptions struct {
	Clock   Clock
	Policy  ScanPolicy
	Mutator mutate.Mutator
	// RotatePerJob takes a new artifact name from Clock whenever a job starts
	// after a completed one. When false every job appends to the artifact
	// named at construction.
	RotatePerJob bool
}

// JobSink reassembles bulk OUT transfers into a spooled print job.
type JobSink struct {
	mu      sync.Mutex
	dir     *spool.Dir
	diag    Diagnostics
	clock   Clock
	policy  ScanPolicy
	rotate  bool
	mutator mutate.Mutator

	name    string
	active  bool
	started bool
	tail    []byte
	session string
	written int64
	digest  hash.Hash
}

// NewJobSink returns an idle sink. The artifact name is fixed here from the
// clock.
func NewJobSink(dir *spool.Dir, diag Diagnostics, o SinkOptions) *JobSink {
	clock := o.Clock
	if clock == nil {
		clock = time.Now
	}
	return &JobSink{
		dir:     dir,
		diag:    diag,
		clock:   clock,
		policy:  o.Policy,
		rotate:  o.RotatePerJob,
		mutator: o.Mutator,
		name:    spool.ArtifactName(clock()),
	}
}

// HandleDataAvailable consumes one bulk OUT transfer. The chunk is appended
// verbatim and durably; an I/O failure is returned to fail the transfer.
func (s *JobSink) HandleDataAvailable(chunk []byte) error {
	chunk = mutate.Apply(s.mutator, mutate.PointDataAvailable, chunk)

	s.mu.Lock()
	defer s.mu.Unlock()

	starting := !s.active
	if starting {
		if s.rotate && s.started {
			s.name = s.nextName()
		}
		s.diag.Diagnostic("writing print job", "file", s.name, "scan", s.policy.String())
	}

	if err := s.dir.Append(s.name, chunk); err != nil {
		return fmt.Errorf("spool %s: %w", s.name, err)
	}

	if starting {
		s.active = true
		s.started = true
		s.session = uuid.NewString()
		s.written = 0
		s.tail = s.tail[:0]
		s.digest, _ = blake2b.New256(nil)
	}
	s.written += int64(len(chunk))
	s.digest.Write(chunk)

	if s.endOfJob(chunk) {
		s.active = false
		s.diag.Diagnostic("print job complete",
			"file", s.name,
			"job", s.session,
			"size", humanize.IBytes(uint64(s.written)),
			"blake2b", hex.EncodeToString(s.digest.Sum(nil)))
	}
	return nil
}

// endOfJob reports whether the marker occurs. Bytes are compared one byte per
// character, no multi-byte decoding.
func (s *JobSink) endOfJob(chunk []byte) bool {
	marker := []byte(EndOfJob)
	if s.policy == ScanChunk {
		return bytes.Contains(chunk, marker)
	}

	window := make([]byte, 0, len(s.tail)+len(chunk))
	window = append(window, s.tail...)
	window = append(window, chunk...)
	found := bytes.Contains(window, marker)

	keep := len(marker) - 1
	if found {
		keep = 0
	} else if len(window) < keep {
		keep = len(window)
	}
	s.tail = append(s.tail[:0], window[len(window)-keep:]...)
	return found
}

// nextName picks a fresh timestamped name, suffixing -N when the second
// already has an artifact.
func (s *JobSink) nextName() string {
	name := spool.ArtifactName(s.clock())
	base := strings.TrimSuffix(name, spool.ArtifactExt)
	for i := 1; name == s.name || s.dir.Exists(name); i++ {
		name = fmt.Sprintf("%s-%d%s", base, i, spool.ArtifactExt)
	}
	return name
}

// Active reports whether a job is in progress.
func (s *JobSink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ArtifactName returns the current artifact file name.
func (s *JobSink) ArtifactName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// ArtifactPath returns the current artifact's full path.
func (s *JobSink) ArtifactPath() string {
	return s.dir.Join(s.ArtifactName())
}

// BytesWritten returns the number of bytes spooled for the current (or last) job.
func (s *JobSink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
