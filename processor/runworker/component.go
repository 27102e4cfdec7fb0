// Package runworker provides the worker component that drains one queue's
// submitted runs from JetStream and executes them. Every background run type
// in docflow is processed by an instance of this component bound to its
// queue definition and an executor.
package runworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
)

// runWorkerSchema defines the configuration schema.
var runWorkerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Executor runs one submitted task to a terminal state. Implementations are
// idempotent on terminal runs, so a redelivered task is harmless.
type Executor interface {
	Execute(ctx context.Context, task queue.Task) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task queue.Task) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task queue.Task) error { return f(ctx, task) }

// RunFunc adapts the ExecuteX(ctx, runID) entry points the domain
// orchestrators expose.
func RunFunc(fn func(ctx context.Context, runID string) error) Executor {
	return ExecutorFunc(func(ctx context.Context, task queue.Task) error {
		return fn(ctx, task.RunID)
	})
}

// TypeMux routes tasks to executors by run type. Queues that carry several
// run types (maintenance) use it to bind each type to its executor.
type TypeMux map[run.Type]Executor

// Execute dispatches to the executor registered for the task's run type.
func (m TypeMux) Execute(ctx context.Context, task queue.Task) error {
	exec, ok := m[task.RunType]
	if !ok {
		return fmt.Errorf("no executor for run type %q", task.RunType)
	}
	return exec.Execute(ctx, task)
}

// Component drains one worker subject and hands each task to its executor.
type Component struct {
	name     string
	config   Config
	js       jetstream.JetStream
	executor Executor
	logger   *slog.Logger

	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// New creates a worker component for one queue definition.
func New(def queue.Definition, js jetstream.JetStream, executor Executor, logger *slog.Logger) (*Component, error) {
	return NewWithConfig(ConfigFor(def), js, executor, logger)
}

// NewWithConfig creates a worker component with explicit configuration.
func NewWithConfig(cfg Config, js jetstream.JetStream, executor Executor, logger *slog.Logger) (*Component, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	return &Component{
		name:     cfg.ConsumerName,
		config:   cfg,
		js:       js,
		executor: executor,
		logger:   logger,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	return nil
}

// Start provisions the durable consumer and begins draining tasks.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.js == nil {
		c.mu.Unlock()
		return fmt.Errorf("JetStream context required")
	}
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.config.StreamName, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.GetMaxDeliver(),
	})
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("create consumer %s: %w", c.config.ConsumerName, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(runCtx, consumer)
	}()

	c.logger.Info("Run worker started",
		"worker", c.name, "subject", c.config.Subject)
	return nil
}

func (c *Component) consume(ctx context.Context, consumer jetstream.Consumer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(c.config.GetFetchMaxWait()))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case <-ctx.Done():
				_ = msg.Nak()
				for remaining := range msgs.Messages() {
					_ = remaining.Nak()
				}
				return
			default:
				c.handleMessage(ctx, msg)
			}
		}
	}
}

// handleMessage executes one task. Undecodable tasks are acked and dropped;
// execution failures are naked for redelivery, bounded by max_deliver.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	var task queue.Task
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		c.logger.Warn("Dropping undecodable worker task",
			"worker", c.name, "error", err)
		c.tasksFailed.Add(1)
		_ = msg.Ack()
		return
	}
	if task.RunID == "" {
		c.logger.Warn("Dropping worker task without run id", "worker", c.name)
		c.tasksFailed.Add(1)
		_ = msg.Ack()
		return
	}

	if err := c.executor.Execute(ctx, task); err != nil {
		c.logger.Error("Run execution failed",
			"worker", c.name, "run_id", task.RunID, "error", err)
		c.tasksFailed.Add(1)
		_ = msg.Nak()
		return
	}

	c.tasksProcessed.Add(1)
	_ = msg.Ack()
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

// Stop gracefully stops the component within the given timeout.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("stop timed out after %v", timeout)
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.logger.Info("Run worker stopped",
		"worker", c.name,
		"tasks_processed", c.tasksProcessed.Load(),
		"tasks_failed", c.tasksFailed.Load())
	return err
}

// Discoverable interface implementation

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "processor",
		Description: "Queue worker draining " + c.config.Subject,
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = buildPort(portDef, component.DirectionInput)
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = buildPort(portDef, component.DirectionOutput)
	}
	return ports
}

func buildPort(portDef component.PortDefinition, direction component.Direction) component.Port {
	port := component.Port{
		Name:        portDef.Name,
		Direction:   direction,
		Required:    portDef.Required,
		Description: portDef.Description,
	}
	if portDef.Type == "jetstream" {
		port.Config = component.JetStreamPort{
			StreamName: portDef.StreamName,
			Subjects:   []string{portDef.Subject},
		}
	} else {
		port.Config = component.NATSPort{
			Subject: portDef.Subject,
		}
	}
	return port
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return runWorkerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.tasksFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		LastActivity: c.getLastActivity(),
	}
}
