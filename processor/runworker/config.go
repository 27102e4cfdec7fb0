package runworker

import (
	"fmt"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/docflow/queue"
)

// Config holds configuration for a run worker component.
type Config struct {
	Ports *component.PortConfig `json:"ports" schema:"type:ports,description:Port configuration,category:basic"`

	// StreamName is the JetStream stream holding submitted run tasks.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream name,category:basic,default:DOCFLOW_WORK"`

	// ConsumerName is the durable consumer name for this worker.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name,category:basic"`

	// Subject is the worker subject this component drains.
	Subject string `json:"subject" schema:"type:string,description:Worker subject to consume,category:basic"`

	// FetchMaxWait bounds how long one fetch blocks waiting for a task.
	FetchMaxWait string `json:"fetch_max_wait" schema:"type:string,description:Max wait per fetch,category:advanced,default:5s"`

	// MaxDeliver caps redeliveries of a task before it is dropped.
	MaxDeliver int `json:"max_deliver" schema:"type:int,description:Max delivery attempts per task,category:advanced,default:5"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if c.FetchMaxWait != "" {
		if _, err := time.ParseDuration(c.FetchMaxWait); err != nil {
			return fmt.Errorf("invalid fetch_max_wait format: %w", err)
		}
	}
	if c.MaxDeliver < 0 {
		return fmt.Errorf("max_deliver must be non-negative")
	}
	return nil
}

// GetFetchMaxWait returns the fetch wait as a duration.
func (c *Config) GetFetchMaxWait() time.Duration {
	if c.FetchMaxWait == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.FetchMaxWait)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetMaxDeliver returns the redelivery cap with default.
func (c *Config) GetMaxDeliver() int {
	if c.MaxDeliver <= 0 {
		return 5
	}
	return c.MaxDeliver
}

// ConfigFor builds the worker configuration for one queue definition.
func ConfigFor(def queue.Definition) Config {
	return Config{
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "work.in",
					Type:        "jetstream",
					Subject:     def.Subject,
					StreamName:  queue.WorkStream,
					Required:    true,
					Description: "Submitted " + def.Type + " run tasks",
				},
			},
			Outputs: []component.PortDefinition{},
		},
		StreamName:   queue.WorkStream,
		ConsumerName: "worker-" + def.Type,
		Subject:      def.Subject,
		FetchMaxWait: "5s",
		MaxDeliver:   5,
	}
}
