package printer_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vprinter/device/printer"
	"github.com/Alia5/vprinter/internal/spool"
	"github.com/Alia5/vprinter/mutate"
)

type recordedDiag struct {
	msgs []string
}

func (r *recordedDiag) Diagnostic(msg string, _ ...any) { r.msgs = append(r.msgs, msg) }

func fixedClock(ts ...time.Time) printer.Clock {
	i := 0
	return func() time.Time {
		t := ts[i]
		if i < len(ts)-1 {
			i++
		}
		return t
	}
}

var jobStart = time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)

func newSink(t *testing.T, o printer.SinkOptions) (*printer.JobSink, *spool.Dir, *recordedDiag) {
	t.Helper()
	d, err := spool.Open(t.TempDir())
	require.NoError(t, err)
	if o.Clock == nil {
		o.Clock = fixedClock(jobStart)
	}
	diag := &recordedDiag{}
	return printer.NewJobSink(d, diag, o), d, diag
}

func readArtifact(t *testing.T, s *printer.JobSink) string {
	t.Helper()
	b, err := os.ReadFile(s.ArtifactPath())
	require.NoError(t, err)
	return string(b)
}

func TestSink_HelloWorldJob(t *testing.T) {
	s, _, diag := newSink(t, printer.SinkOptions{})
	assert.Equal(t, "20240102030405.pcl", s.ArtifactName())
	assert.False(t, s.Active())

	require.NoError(t, s.HandleDataAvailable([]byte("hello ")))
	assert.True(t, s.Active())
	require.NoError(t, s.HandleDataAvailable([]byte("world EOJ\n")))
	assert.False(t, s.Active())

	assert.Equal(t, "hello world EOJ\n", readArtifact(t, s))
	assert.Equal(t, int64(16), s.BytesWritten())
	assert.Equal(t, []string{"writing print job", "print job complete"}, diag.msgs)
}

func TestSink_NoMarkerStaysActive(t *testing.T) {
	s, _, diag := newSink(t, printer.SinkOptions{})

	require.NoError(t, s.HandleDataAvailable([]byte("\x1b%-12345X@PJL JOB\n")))
	require.NoError(t, s.HandleDataAvailable([]byte("EOJ")))
	assert.True(t, s.Active())
	assert.Equal(t, "\x1b%-12345X@PJL JOB\nEOJ", readArtifact(t, s))
	assert.Equal(t, []string{"writing print job"}, diag.msgs)
}

func TestSink_SplitMarker(t *testing.T) {
	cases := []struct {
		name       string
		policy     printer.ScanPolicy
		wantActive bool
	}{
		// per-chunk scanning misses a marker spanning two transfers
		{name: "chunk policy misses split marker", policy: printer.ScanChunk, wantActive: true},
		{name: "stream policy detects split marker", policy: printer.ScanStream, wantActive: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _ := newSink(t, printer.SinkOptions{Policy: tc.policy})

			require.NoError(t, s.HandleDataAvailable([]byte("...EO")))
			require.NoError(t, s.HandleDataAvailable([]byte("J\n...")))
			assert.Equal(t, tc.wantActive, s.Active())
			assert.Equal(t, "...EOJ\n...", readArtifact(t, s))
		})
	}
}

func TestSink_StreamMarkerAcrossThreeChunks(t *testing.T) {
	s, _, _ := newSink(t, printer.SinkOptions{Policy: printer.ScanStream})

	for _, c := range []string{"E", "O", "J"} {
		require.NoError(t, s.HandleDataAvailable([]byte(c)))
		assert.True(t, s.Active())
	}
	require.NoError(t, s.HandleDataAvailable([]byte("\n")))
	assert.False(t, s.Active())
}

func TestSink_TailDoesNotLeakIntoNextJob(t *testing.T) {
	s, _, _ := newSink(t, printer.SinkOptions{Policy: printer.ScanStream})

	require.NoError(t, s.HandleDataAvailable([]byte("a EOJ\nEOJ")))
	assert.False(t, s.Active())
	require.NoError(t, s.HandleDataAvailable([]byte("\n")))
	assert.True(t, s.Active(), "marker straddling two jobs must not end the second")
}

func TestSink_ThreeChunksSingleArtifact(t *testing.T) {
	s, d, _ := newSink(t, printer.SinkOptions{})
	chunks := []string{"first chunk;", "second chunk;", "third EOJ\n"}

	require.False(t, d.Exists(s.ArtifactName()))
	for i, c := range chunks {
		require.Less(t, len(c), 64)
		require.NoError(t, s.HandleDataAvailable([]byte(c)))
		require.True(t, d.Exists(s.ArtifactName()), "artifact must exist after chunk %d", i)
		if i == 0 {
			info, err := os.Stat(s.ArtifactPath())
			require.NoError(t, err)
			assert.Equal(t, int64(len(c)), info.Size())
		}
	}

	assert.Equal(t, "first chunk;second chunk;third EOJ\n", readArtifact(t, s))
	entries, err := d.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSink_EmptyChunkAccepted(t *testing.T) {
	s, d, _ := newSink(t, printer.SinkOptions{})

	require.NoError(t, s.HandleDataAvailable(nil))
	assert.True(t, s.Active())
	assert.True(t, d.Exists(s.ArtifactName()))
	assert.Equal(t, "", readArtifact(t, s))
}

func TestSink_NameFixedAcrossJobs(t *testing.T) {
	later := jobStart.Add(time.Hour)
	s, d, _ := newSink(t, printer.SinkOptions{Clock: fixedClock(jobStart, later)})

	require.NoError(t, s.HandleDataAvailable([]byte("one EOJ\n")))
	require.NoError(t, s.HandleDataAvailable([]byte("two EOJ\n")))

	assert.Equal(t, "20240102030405.pcl", s.ArtifactName())
	assert.Equal(t, "one EOJ\ntwo EOJ\n", readArtifact(t, s))
	entries, err := d.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSink_RotatePerJob(t *testing.T) {
	// second job starts in the same second as the first
	s, d, _ := newSink(t, printer.SinkOptions{
		RotatePerJob: true,
		Clock:        fixedClock(jobStart, jobStart, jobStart.Add(time.Second)),
	})

	require.NoError(t, s.HandleDataAvailable([]byte("one EOJ\n")))
	assert.Equal(t, "20240102030405.pcl", s.ArtifactName())

	require.NoError(t, s.HandleDataAvailable([]byte("two ")))
	assert.Equal(t, "20240102030405-1.pcl", s.ArtifactName())
	require.NoError(t, s.HandleDataAvailable([]byte("EOJ\n")))
	assert.Equal(t, "two EOJ\n", readArtifact(t, s))

	require.NoError(t, s.HandleDataAvailable([]byte("three EOJ\n")))
	assert.Equal(t, "20240102030406.pcl", s.ArtifactName())

	entries, err := d.List()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestSink_WriteFailurePropagates(t *testing.T) {
	s, d, _ := newSink(t, printer.SinkOptions{})
	require.NoError(t, os.RemoveAll(d.Path()))

	err := s.HandleDataAvailable([]byte("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, spool.ErrOpen)
	assert.False(t, s.Active())
}

func TestSink_MutatedChunkIsWritten(t *testing.T) {
	m := mutate.Static{mutate.PointDataAvailable: []byte("fuzz EOJ\n")}
	s, _, _ := newSink(t, printer.SinkOptions{Mutator: m})

	require.NoError(t, s.HandleDataAvailable([]byte("original")))
	assert.False(t, s.Active())
	assert.Equal(t, "fuzz EOJ\n", readArtifact(t, s))
}

func TestParseScanPolicy(t *testing.T) {
	p, err := printer.ParseScanPolicy("chunk")
	require.NoError(t, err)
	assert.Equal(t, printer.ScanChunk, p)
	assert.Equal(t, "chunk", p.String())

	p, err = printer.ParseScanPolicy("")
	require.NoError(t, err)
	assert.Equal(t, printer.ScanStream, p)

	_, err = printer.ParseScanPolicy("window")
	assert.Error(t, err)
}
