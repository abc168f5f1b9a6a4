// ABOUTME: Built-in task kinds: shell, sleep, noop, and the flag-based synchronization primitives.
// ABOUTME: Flag tasks talk to the gateway flag API using the standard executor environment variables.
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

func init() {
	RegisterTask("noop", func(name string, _ json.RawMessage) (Task, error) {
		return &NoopTask{TaskName: name}, nil
	})
	RegisterTask("sleep", func(name string, config json.RawMessage) (Task, error) {
		var cfg SleepConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
		return &SleepTask{TaskName: name, Config: cfg}, nil
	})
	RegisterTask("shell", func(name string, config json.RawMessage) (Task, error) {
		var cfg ShellConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Command == "" {
			return nil, fmt.Errorf("shell task %q has no command", name)
		}
		return &ShellTask{TaskName: name, Config: cfg}, nil
	})
	RegisterTask("flag_set", func(name string, config json.RawMessage) (Task, error) {
		var cfg FlagSetConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Key == "" {
			return nil, fmt.Errorf("flag_set task %q has no key", name)
		}
		if cfg.Values.Empty() {
			return nil, fmt.Errorf("flag_set task %q sets neither text nor int", name)
		}
		return &FlagSetTask{TaskName: name, Config: cfg}, nil
	})
	RegisterTask("flag_increment", func(name string, config json.RawMessage) (Task, error) {
		var cfg FlagKeyConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Key == "" {
			return nil, fmt.Errorf("flag_increment task %q has no key", name)
		}
		return &FlagDeltaTask{TaskName: name, Key: cfg.Key, Op: "increment"}, nil
	})
	RegisterTask("flag_decrement", func(name string, config json.RawMessage) (Task, error) {
		var cfg FlagKeyConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Key == "" {
			return nil, fmt.Errorf("flag_decrement task %q has no key", name)
		}
		return &FlagDeltaTask{TaskName: name, Key: cfg.Key, Op: "decrement"}, nil
	})
	RegisterTask("flag_wait", func(name string, config json.RawMessage) (Task, error) {
		var cfg FlagWaitConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Key == "" {
			return nil, fmt.Errorf("flag_wait task %q has no key", name)
		}
		if cfg.Expect.Empty() {
			return nil, fmt.Errorf("flag_wait task %q expects neither text nor int", name)
		}
		return &FlagWaitTask{TaskName: name, Config: cfg}, nil
	})
}

// NoopTask succeeds immediately with a nil value.
type NoopTask struct {
	TaskName string
}

func (t *NoopTask) Name() string            { return t.TaskName }
func (t *NoopTask) Prerequisites() []string { return nil }
func (t *NoopTask) Run(context.Context, PriorResults) Result {
	return Ok(nil)
}

// SleepConfig configures a SleepTask.
type SleepConfig struct {
	Seconds float64 `json:"seconds"`
}

// SleepTask sleeps for the configured duration, honoring cancellation.
type SleepTask struct {
	TaskName string
	Config   SleepConfig
}

func (t *SleepTask) Name() string            { return t.TaskName }
func (t *SleepTask) Prerequisites() []string { return nil }

func (t *SleepTask) Run(ctx context.Context, _ PriorResults) Result {
	d := time.Duration(t.Config.Seconds * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Err(ctx.Err().Error())
	case <-timer.C:
		return Ok(t.Config.Seconds)
	}
}

// ShellConfig configures a ShellTask.
type ShellConfig struct {
	Command       string   `json:"command"`
	Prerequisites []string `json:"prerequisites,omitempty"`
}

// ShellTask runs a command via the shell and yields combined output as
// the Ok value, or an Err carrying the exit failure and output.
type ShellTask struct {
	TaskName string
	Config   ShellConfig
}

func (t *ShellTask) Name() string            { return t.TaskName }
func (t *ShellTask) Prerequisites() []string { return t.Config.Prerequisites }

func (t *ShellTask) Run(ctx context.Context, _ PriorResults) Result {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", t.Config.Command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return Errf("command failed: %v: %s", err, strings.TrimSpace(buf.String()))
	}
	return Ok(strings.TrimSpace(buf.String()))
}

// FlagKeyConfig names a flag.
type FlagKeyConfig struct {
	Key string `json:"key"`
}

// FlagSetConfig configures a FlagSetTask.
type FlagSetConfig struct {
	Key    string     `json:"key"`
	Values FlagValues `json:"values"`
}

// FlagWaitConfig configures a FlagWaitTask. TimeoutSeconds of 0 means
// wait forever (bounded only by the pipeline's keep-alive envelope).
type FlagWaitConfig struct {
	Key            string     `json:"key"`
	Expect         FlagValues `json:"expect"`
	PollSeconds    float64    `json:"poll_seconds,omitempty"`
	TimeoutSeconds float64    `json:"timeout_seconds,omitempty"`
}

// FlagSetTask atomically overwrites the flag's value pair.
type FlagSetTask struct {
	TaskName string
	Config   FlagSetConfig
}

func (t *FlagSetTask) Name() string            { return t.TaskName }
func (t *FlagSetTask) Prerequisites() []string { return nil }

func (t *FlagSetTask) Run(ctx context.Context, _ PriorResults) Result {
	client, err := flagClientFromEnv()
	if err != nil {
		return Err(err.Error())
	}
	if err := client.set(ctx, t.Config.Key, t.Config.Values); err != nil {
		return Err(err.Error())
	}
	return Ok(nil)
}

// FlagDeltaTask atomically increments or decrements the flag's int
// value by one.
type FlagDeltaTask struct {
	TaskName string
	Key      string
	Op       string
}

func (t *FlagDeltaTask) Name() string            { return t.TaskName }
func (t *FlagDeltaTask) Prerequisites() []string { return nil }

func (t *FlagDeltaTask) Run(ctx context.Context, _ PriorResults) Result {
	client, err := flagClientFromEnv()
	if err != nil {
		return Err(err.Error())
	}
	if err := client.delta(ctx, t.Key, t.Op); err != nil {
		return Err(err.Error())
	}
	return Ok(nil)
}

// FlagWaitTask spin-polls the flag until the expected values match.
// The platform provides atomicity only; waiting is client-side polling.
type FlagWaitTask struct {
	TaskName string
	Config   FlagWaitConfig
}

func (t *FlagWaitTask) Name() string            { return t.TaskName }
func (t *FlagWaitTask) Prerequisites() []string { return nil }

func (t *FlagWaitTask) Run(ctx context.Context, _ PriorResults) Result {
	client, err := flagClientFromEnv()
	if err != nil {
		return Err(err.Error())
	}
	poll := t.Config.PollSeconds
	if poll <= 0 {
		poll = 1
	}
	waitCtx := ctx
	if t.Config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(t.Config.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}
	ticker := time.NewTicker(time.Duration(poll * float64(time.Second)))
	defer ticker.Stop()
	for {
		values, err := client.get(waitCtx, t.Config.Key)
		if err == nil && flagMatches(values, t.Config.Expect) {
			return Ok(values)
		}
		select {
		case <-waitCtx.Done():
			return Errf("flag %q did not reach expected value: %v", t.Config.Key, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func flagMatches(got, want FlagValues) bool {
	if want.TextValue != nil && got.TextString() != *want.TextValue {
		return false
	}
	if want.IntValue != nil && got.IntOrZero() != *want.IntValue {
		return false
	}
	return true
}

// flagClient is a minimal gateway flag API client for flag tasks,
// configured from the standard executor environment variables.
type flagClient struct {
	endpoint     string
	experimentID string
	http         *http.Client
}

func flagClientFromEnv() (*flagClient, error) {
	endpoint := strings.TrimSuffix(os.Getenv("NETUNICORN_GATEWAY_ENDPOINT"), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("NETUNICORN_GATEWAY_ENDPOINT is not set")
	}
	experimentID := os.Getenv("NETUNICORN_EXPERIMENT_ID")
	if experimentID == "" {
		return nil, fmt.Errorf("NETUNICORN_EXPERIMENT_ID is not set")
	}
	return &flagClient{
		endpoint:     endpoint,
		experimentID: experimentID,
		http:         &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *flagClient) flagURL(key string) string {
	return fmt.Sprintf("%s/api/v1/experiment/%s/flag/%s", c.endpoint, c.experimentID, key)
}

func (c *flagClient) get(ctx context.Context, key string) (FlagValues, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.flagURL(key), nil)
	if err != nil {
		return FlagValues{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return FlagValues{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return FlagValues{}, fmt.Errorf("flag %q not found", key)
	}
	if resp.StatusCode != http.StatusOK {
		return FlagValues{}, fmt.Errorf("flag get returned status %d", resp.StatusCode)
	}
	var values FlagValues
	if err := json.NewDecoder(resp.Body).Decode(&values); err != nil {
		return FlagValues{}, fmt.Errorf("decode flag values: %w", err)
	}
	return values, nil
}

func (c *flagClient) set(ctx context.Context, key string, values FlagValues) error {
	body, err := json.Marshal(values)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.flagURL(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("flag set returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *flagClient) delta(ctx context.Context, key, op string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.flagURL(key)+"/"+op, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("flag %s returned status %d", op, resp.StatusCode)
	}
	return nil
}
