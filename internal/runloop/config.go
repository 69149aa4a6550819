package runloop

import "time"

// Duration wraps time.Duration for JSON config files written as "500ms"
// style strings.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// TaskQueueConfig sizes the two-level TaskQueue.
type TaskQueueConfig struct {
	Capacity          int `json:"capacity"`
	DelayedCapacity   int `json:"delayed_capacity,omitempty"`
	DefaultMaxRetries int `json:"default_max_retries"`
}

// RetryConfig configures the exponential backoff applied to re-enqueued
// failed tasks.
type RetryConfig struct {
	BackoffInitial   Duration `json:"backoff_initial_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	BackoffMax       Duration `json:"backoff_max_ms"`
	Jitter           bool     `json:"jitter"`
}

// TaskChainConfig bounds simultaneous same-correlation-id tasks.
type TaskChainConfig struct {
	MaxChainDepth int `json:"max_chain_depth"`
}

// WorkerPoolConfig bounds how many tasks dequeued in one Dispatch phase may
// have their handler invoked concurrently. The RunLoop's phase machine
// itself stays single-goroutine (dequeue order and chain bookkeeping are
// unaffected); only the handler call itself — the part that may block on
// an external model or tool call — runs in the pool.
type WorkerPoolConfig struct {
	MaxConcurrentHandlers int `json:"max_concurrent_handlers"`
}

// CheckpointConfig configures the CheckpointObserver.
type CheckpointConfig struct {
	MinIntervalSecs int  `json:"min_interval_secs"`
	MaxCheckpoints  int  `json:"max_checkpoints"`
	Encrypt         bool `json:"encrypt"`
}

// RunLoopConfig is the root configuration for a RunLoop instance.
type RunLoopConfig struct {
	MaxTasksPerCycle int              `json:"max_tasks_per_cycle"`
	TaskQueue        TaskQueueConfig  `json:"task_queue"`
	Retry            RetryConfig      `json:"retry"`
	WorkerPool       WorkerPoolConfig `json:"worker_pool"`
	TaskChain        TaskChainConfig  `json:"task_chain"`
	ShutdownTimeout  Duration         `json:"shutdown_timeout"`
	DefaultMode      Mode             `json:"default_mode"`
	Checkpoint       CheckpointConfig `json:"checkpoint"`
}

// DefaultRunLoopConfig returns the documented defaults.
func DefaultRunLoopConfig() RunLoopConfig {
	return RunLoopConfig{
		MaxTasksPerCycle: 32,
		TaskQueue: TaskQueueConfig{
			Capacity:          4096,
			DefaultMaxRetries: 3,
		},
		Retry: RetryConfig{
			BackoffInitial:    Duration(500 * time.Millisecond),
			BackoffMultiplier: 2.0,
			BackoffMax:        Duration(60 * time.Second),
			Jitter:            true,
		},
		WorkerPool: WorkerPoolConfig{
			MaxConcurrentHandlers: 4,
		},
		TaskChain: TaskChainConfig{
			MaxChainDepth: 8,
		},
		ShutdownTimeout: Duration(10 * time.Second),
		DefaultMode:     ModeDefault,
		Checkpoint: CheckpointConfig{
			MinIntervalSecs: 60,
			MaxCheckpoints:  10,
			Encrypt:         false,
		},
	}
}
