package originate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// processEvent is one line of the external originator's stdout protocol.
// The process emits newline-delimited JSON; anything that does not parse is
// treated as diagnostic output and ignored.
type processEvent struct {
	Event       string `json:"event"`
	CallID      string `json:"call_id"`
	Disposition string `json:"disposition"`
	Duration    int    `json:"duration"`
	Keypress    string `json:"keypress"`
}

const (
	eventCallStart = "call-start"
	eventCallEnd   = "call-end"
)

// ExecOriginator delegates call placement to an external process, one spawn
// per attempt. The process reports progress as structured JSON events on
// stdout and is killed when the attempt's deadline passes.
type ExecOriginator struct {
	command string
	sink    EventSink
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewExecOriginator creates a process-spawning backend running the given
// command for each call.
func NewExecOriginator(command string, sink EventSink, logger *slog.Logger) *ExecOriginator {
	return &ExecOriginator{
		command:  command,
		sink:     sink,
		logger:   logger.With("subsystem", "exec-originator"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// FormatAddress builds the dial string handed to the external process.
func (o *ExecOriginator) FormatAddress(phone, domain string) string {
	return fmt.Sprintf("sip:%s@%s", phone, domain)
}

// Originate spawns the originator process for one call. A failure to start
// the process is returned synchronously; everything after that arrives as
// events.
func (o *ExecOriginator) Originate(ctx context.Context, req OriginateRequest) error {
	timeout := req.MaxDuration
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// Grace on top of the audio window for setup and ringing.
	callCtx, cancel := context.WithTimeout(context.Background(), timeout+30*time.Second)

	cmd := exec.CommandContext(callCtx, o.command,
		"--call-id", req.CallID,
		"--address", o.FormatAddress(req.Phone, req.Domain),
		"--username", req.ChannelUsername,
		"--caller-id-name", req.CallerIDName,
		"--caller-id-num", req.CallerIDNum,
		"--audio", req.AudioFile,
		"--max-duration", strconv.Itoa(int(timeout.Seconds())),
	)
	// Credentials and the event token travel via the environment, not argv.
	cmd.Env = append(cmd.Environ(),
		"ORIGINATE_PASSWORD="+req.ChannelPassword,
		"ORIGINATE_EVENT_TOKEN="+req.EventToken,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("opening originator stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting originator process: %w", err)
	}

	o.mu.Lock()
	o.inflight[req.CallID] = cancel
	o.mu.Unlock()

	go o.consumeEvents(cmd, stdout, req.CallID)
	return nil
}

// ReleaseResources kills the process behind an in-flight attempt, if any.
func (o *ExecOriginator) ReleaseResources(callID string) {
	o.mu.Lock()
	cancel, ok := o.inflight[callID]
	delete(o.inflight, callID)
	o.mu.Unlock()

	if ok {
		cancel()
	}
}

// consumeEvents reads the process's stdout until exit and relays its events.
// If the process exits without reporting a call end, a failed end event is
// synthesized so the attempt always terminates.
func (o *ExecOriginator) consumeEvents(cmd *exec.Cmd, stdout io.Reader, callID string) {
	ended := false

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		event, ok := parseProcessEvent(scanner.Bytes())
		if !ok {
			continue
		}
		if event.CallID != callID {
			o.logger.Warn("originator event for unexpected call",
				"call_id", callID, "event_call_id", event.CallID)
			continue
		}

		switch event.Event {
		case eventCallStart:
			o.sink.CallStarted(callID)
		case eventCallEnd:
			ended = true
			o.sink.CallEnded(CallEndEvent{
				CallID:      callID,
				Disposition: ParseDisposition(event.Disposition),
				Duration:    event.Duration,
				Keypress:    event.Keypress,
			})
		}
	}

	err := cmd.Wait()

	o.mu.Lock()
	if cancel, ok := o.inflight[callID]; ok {
		delete(o.inflight, callID)
		defer cancel()
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("originator process exited with error", "call_id", callID, "error", err)
	}
	if !ended {
		o.sink.CallEnded(CallEndEvent{CallID: callID, Disposition: DispositionFailed})
	}
}

// parseProcessEvent decodes one stdout line. Lines that are not valid event
// JSON are skipped.
func parseProcessEvent(line []byte) (processEvent, bool) {
	var event processEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return processEvent{}, false
	}
	if event.Event == "" || event.CallID == "" {
		return processEvent{}, false
	}
	return event, true
}
