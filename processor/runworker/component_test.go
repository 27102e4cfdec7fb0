package runworker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
)

type fakeMsg struct {
	data   []byte
	acked  bool
	naked  bool
	termed bool
}

func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Ack() error                                { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                                { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(time.Duration) error          { m.naked = true; return nil }
func (m *fakeMsg) Term() error                               { m.termed = true; return nil }
func (m *fakeMsg) TermWithReason(string) error               { m.termed = true; return nil }
func (m *fakeMsg) DoubleAck(context.Context) error           { m.acked = true; return nil }
func (m *fakeMsg) InProgress() error                         { return nil }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return nil, nil }
func (m *fakeMsg) Headers() nats.Header                      { return nil }
func (m *fakeMsg) Subject() string                           { return "docflow.work.extraction" }
func (m *fakeMsg) Reply() string                             { return "" }

func extractionWorker(t *testing.T, exec Executor) *Component {
	t.Helper()
	def := queue.Definition{Type: queue.TypeExtraction, Subject: "docflow.work.extraction"}
	c, err := New(def, nil, exec, slog.Default())
	require.NoError(t, err)
	return c
}

func TestHandleMessageAcksOnSuccess(t *testing.T) {
	var got string
	c := extractionWorker(t, RunFunc(func(_ context.Context, runID string) error {
		got = runID
		return nil
	}))

	msg := &fakeMsg{data: []byte(`{"run_id": "run-1", "organization_id": "org-1", "run_type": "extraction"}`)}
	c.handleMessage(context.Background(), msg)

	assert.Equal(t, "run-1", got)
	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	assert.EqualValues(t, 1, c.tasksProcessed.Load())
}

func TestHandleMessageNaksOnExecutorError(t *testing.T) {
	c := extractionWorker(t, ExecutorFunc(func(context.Context, queue.Task) error {
		return errors.New("extractor unavailable")
	}))

	msg := &fakeMsg{data: []byte(`{"run_id": "run-1"}`)}
	c.handleMessage(context.Background(), msg)

	assert.False(t, msg.acked)
	assert.True(t, msg.naked)
	assert.EqualValues(t, 1, c.tasksFailed.Load())
}

func TestHandleMessageDropsPoisonTasks(t *testing.T) {
	calls := 0
	c := extractionWorker(t, ExecutorFunc(func(context.Context, queue.Task) error {
		calls++
		return nil
	}))

	bad := &fakeMsg{data: []byte("not json")}
	c.handleMessage(context.Background(), bad)
	assert.True(t, bad.acked, "undecodable tasks must not redeliver forever")

	empty := &fakeMsg{data: []byte(`{"organization_id": "org-1"}`)}
	c.handleMessage(context.Background(), empty)
	assert.True(t, empty.acked)

	assert.Equal(t, 0, calls)
}

func TestNewRejectsMissingExecutor(t *testing.T) {
	def := queue.Definition{Type: queue.TypeExtraction, Subject: "docflow.work.extraction"}
	_, err := New(def, nil, nil, slog.Default())
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := ConfigFor(queue.Definition{Type: queue.TypeScrape, Subject: "docflow.work.scrape"})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "worker-scrape", cfg.ConsumerName)
	assert.Equal(t, queue.WorkStream, cfg.StreamName)

	cfg.Subject = ""
	assert.Error(t, cfg.Validate())

	cfg = ConfigFor(queue.Definition{Type: queue.TypeScrape, Subject: "docflow.work.scrape"})
	cfg.FetchMaxWait = "soon"
	assert.Error(t, cfg.Validate())
}

func TestStartRequiresJetStream(t *testing.T) {
	c := extractionWorker(t, ExecutorFunc(func(context.Context, queue.Task) error { return nil }))
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JetStream")
}

func TestTypeMuxRoutesByRunType(t *testing.T) {
	var hit run.Type
	mux := TypeMux{
		run.TypeExtractionEnhancement: ExecutorFunc(func(_ context.Context, task queue.Task) error {
			hit = task.RunType
			return nil
		}),
	}

	err := mux.Execute(context.Background(), queue.Task{RunID: "r", RunType: run.TypeExtractionEnhancement})
	require.NoError(t, err)
	assert.Equal(t, run.TypeExtractionEnhancement, hit)

	err = mux.Execute(context.Background(), queue.Task{RunID: "r", RunType: run.TypeSystemMaintenance})
	require.Error(t, err)
}
