package nodes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// Meetings are in-process conversations between the supervisor and an
// operator channel: start opens a session, send appends a message (relayed
// to Telegram when wired), transcript and finalize read it back. Sessions
// live in memory for the daemon's lifetime.

type meetingEntry struct {
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type meetingSession struct {
	id        string
	topic     string
	startedAt time.Time
	entries   []meetingEntry
	closed    bool
}

var (
	meetingsMu sync.Mutex
	meetings   = map[string]*meetingSession{}
)

const keyMeetingID = "_meetingId"

func meetingFor(node *sdk.Node, ec *execution.Context) (*meetingSession, error) {
	id := getString(node.Config, "meetingId")
	if id == "" {
		if v, ok := ec.GetData(keyMeetingID); ok {
			id, _ = v.(string)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("no meeting in progress")
	}

	meetingsMu.Lock()
	defer meetingsMu.Unlock()
	session, ok := meetings[id]
	if !ok {
		return nil, fmt.Errorf("unknown meeting: %s", id)
	}
	if session.closed {
		return nil, fmt.Errorf("meeting %s is finalized", id)
	}
	return session, nil
}

func meetingStart(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	session := &meetingSession{
		id:        uuid.NewString(),
		topic:     getString(node.Config, "topic"),
		startedAt: time.Now(),
	}

	meetingsMu.Lock()
	meetings[session.id] = session
	meetingsMu.Unlock()

	ec.SetData(keyMeetingID, session.id)
	return map[string]any{
		"meetingId": session.id,
		"topic":     session.topic,
	}, nil
}

func meetingSend(ctx context.Context, node *sdk.Node, ec *execution.Context, eng registry.Engine) (map[string]any, error) {
	session, err := meetingFor(node, ec)
	if err != nil {
		return nil, err
	}
	message, err := requireString(node.Config, "message")
	if err != nil {
		return nil, err
	}
	role := getStringDefault(node.Config, "role", "supervisor")

	meetingsMu.Lock()
	session.entries = append(session.entries, meetingEntry{
		Role:      role,
		Kind:      "message",
		Text:      message,
		Timestamp: time.Now(),
	})
	meetingsMu.Unlock()

	relayed := false
	if tg, err := telegramOf(eng); err == nil {
		if err := tg.Send(ctx, message); err != nil {
			ec.Log(node.ID, fmt.Sprintf("telegram relay failed: %s", err), "warn")
		} else {
			relayed = true
		}
	}

	return map[string]any{
		"sent":    true,
		"relayed": relayed,
	}, nil
}

func meetingTranscript(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	session, err := meetingFor(node, ec)
	if err != nil {
		return nil, err
	}

	meetingsMu.Lock()
	entries := make([]any, 0, len(session.entries))
	for _, e := range session.entries {
		entries = append(entries, map[string]any{
			"role":      e.Role,
			"kind":      e.Kind,
			"text":      e.Text,
			"timestamp": e.Timestamp.Format(time.RFC3339),
		})
	}
	meetingsMu.Unlock()

	return map[string]any{
		"meetingId": session.id,
		"entries":   entries,
		"count":     len(entries),
	}, nil
}

// meetingVision asks an agent to describe an image referenced in the
// meeting and appends the description to the transcript.
func meetingVision(ctx context.Context, node *sdk.Node, ec *execution.Context, eng registry.Engine) (map[string]any, error) {
	session, err := meetingFor(node, ec)
	if err != nil {
		return nil, err
	}
	imagePath, err := requireString(node.Config, "imagePath")
	if err != nil {
		return nil, err
	}
	pool, err := agentPoolOf(eng)
	if err != nil {
		return nil, err
	}

	prompt := getStringDefault(node.Config, "prompt", "Describe the image at "+imagePath+" for a meeting transcript.")
	result, err := pool.LaunchEphemeralThread(ctx, prompt, "", getDuration(node.Config, "agentTimeoutMs", 2*time.Minute), nil)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("vision agent reported failure: %s", truncate(result.Output, 500))
	}

	meetingsMu.Lock()
	session.entries = append(session.entries, meetingEntry{
		Role:      "vision",
		Kind:      "vision",
		Text:      result.Output,
		Timestamp: time.Now(),
	})
	meetingsMu.Unlock()

	return map[string]any{
		"description": result.Output,
		"imagePath":   imagePath,
	}, nil
}

func meetingFinalize(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	session, err := meetingFor(node, ec)
	if err != nil {
		return nil, err
	}

	meetingsMu.Lock()
	session.closed = true
	entries := make([]any, 0, len(session.entries))
	for _, e := range session.entries {
		entries = append(entries, map[string]any{
			"role":      e.Role,
			"kind":      e.Kind,
			"text":      e.Text,
			"timestamp": e.Timestamp.Format(time.RFC3339),
		})
	}
	duration := time.Since(session.startedAt)
	meetingsMu.Unlock()

	return map[string]any{
		"meetingId":  session.id,
		"transcript": entries,
		"count":      len(entries),
		"durationMs": duration.Milliseconds(),
	}, nil
}
