package chop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sasehq/sase-chop-telegram/internal/callback"
	"github.com/sasehq/sase-chop-telegram/internal/gate"
	"github.com/sasehq/sase-chop-telegram/internal/launcher"
	"github.com/sasehq/sase-chop-telegram/internal/notify"
	"github.com/sasehq/sase-chop-telegram/internal/ratelimit"
	"github.com/sasehq/sase-chop-telegram/internal/response"
	"github.com/sasehq/sase-chop-telegram/internal/router"
	"github.com/sasehq/sase-chop-telegram/internal/store"
	"github.com/sasehq/sase-chop-telegram/internal/store/file"
)

const chatID = "1001"

type sentMessage struct {
	Text    string
	Buttons [][]gate.Button
}

type fakeTransport struct {
	mu      sync.Mutex
	nextID  int
	sent    []sentMessage
	files   []string
	answers []string
	edits   []int
	updates []router.Update
	sendErr error
}

func (f *fakeTransport) Send(_ context.Context, _, text string, buttons [][]gate.Button) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{Text: text, Buttons: buttons})
	return f.nextID, nil
}

func (f *fakeTransport) EditButtons(_ context.Context, _ string, messageID int, _ [][]gate.Button) error {
	f.edits = append(f.edits, messageID)
	return nil
}

func (f *fakeTransport) AnswerCallback(_ context.Context, _, text string) error {
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeTransport) SendFile(_ context.Context, _, path string) error {
	f.files = append(f.files, path)
	return nil
}

func (f *fakeTransport) PollUpdates(_ context.Context, offset int64, _ time.Duration) ([]router.Update, error) {
	var out []router.Update
	for _, u := range f.updates {
		if u.ID >= offset {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeTransport) DownloadPhoto(_ context.Context, fileID, dir string) (string, error) {
	return filepath.Join(dir, fileID+".jpg"), nil
}

type fakeLauncher struct {
	prompts []string
	err     error
}

func (l *fakeLauncher) Launch(_ context.Context, prompt string) (launcher.Launch, error) {
	if l.err != nil {
		return launcher.Launch{}, l.err
	}
	l.prompts = append(l.prompts, prompt)
	return launcher.Launch{PID: 4242, Prompt: prompt}, nil
}

type harness struct {
	t         *testing.T
	dir       string
	logPath   string
	stores    *store.Stores
	transport *fakeTransport
	launcher  *fakeLauncher
	outbound  *Outbound
	inbound   *Inbound
	active    bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	stores, err := file.NewStores(filepath.Join(dir, "state"))
	require.NoError(t, err)

	h := &harness{
		t:         t,
		dir:       dir,
		logPath:   filepath.Join(dir, "notifications.jsonl"),
		stores:    stores,
		transport: &fakeTransport{},
		launcher:  &fakeLauncher{},
	}

	lim := ratelimit.New(stores.SendLog, ratelimit.Spec{MaxMessages: 100, Window: 10 * time.Second})
	src := notify.NewSource(h.logPath, filepath.Join(dir, "state"))
	_, err = src.ListUnsent(context.Background()) // initializes the mark at now
	require.NoError(t, err)

	h.outbound = &Outbound{
		ChatID:    chatID,
		Source:    src,
		Gate:      gate.New(stores.Pending, lim, func(time.Time) (bool, error) { return h.active, nil }),
		Pending:   stores.Pending,
		Transport: h.transport,
		Limiter:   lim,
	}
	h.inbound = &Inbound{
		ChatID:    chatID,
		Offsets:   stores.Offset,
		Router:    router.New(stores.Pending, stores.Feedback),
		Transport: h.transport,
		Sink:      response.NewSink(),
		Launcher:  h.launcher,
		ImageDir:  filepath.Join(dir, "images"),
	}
	return h
}

// limit swaps in a rate limit over the same send log.
func (h *harness) limit(spec ratelimit.Spec) {
	lim := ratelimit.New(h.stores.SendLog, spec)
	h.outbound.Gate = gate.New(h.stores.Pending, lim, func(time.Time) (bool, error) { return h.active, nil })
	h.outbound.Limiter = lim
}

type flakySink struct {
	Sink
	fails int
}

func (s *flakySink) Write(ctx context.Context, a *store.PendingAction) (bool, error) {
	if s.fails > 0 {
		s.fails--
		return false, errors.New("disk full")
	}
	return s.Sink.Write(ctx, a)
}

func (h *harness) notify(ns ...notify.Notification) {
	h.t.Helper()
	f, err := os.OpenFile(h.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(h.t, err)
	defer f.Close()
	for i, n := range ns {
		if n.Timestamp == "" {
			n.Timestamp = time.Now().Add(time.Duration(i+1) * time.Second).UTC().Format(time.RFC3339Nano)
		}
		b, err := json.Marshal(n)
		require.NoError(h.t, err)
		_, err = f.Write(append(b, '\n'))
		require.NoError(h.t, err)
	}
}

func questionDir(t *testing.T, question string, options ...string) string {
	t.Helper()
	dir := t.TempDir()
	type opt struct {
		Label string `json:"label"`
	}
	var opts []opt
	for _, o := range options {
		opts = append(opts, opt{Label: o})
	}
	body, err := json.Marshal(map[string]any{"questions": []any{map[string]any{"question": question, "options": opts}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "question_request.json"), body, 0o600))
	return dir
}

func buttonPress(id int64, data string) router.Update {
	return router.Update{ID: id, Kind: router.UpdateButton, ChatID: chatID, CallbackID: "cb", Data: data}
}

func textMessage(id int64, text string) router.Update {
	return router.Update{ID: id, Kind: router.UpdateText, ChatID: chatID, Text: text}
}

func TestOutboundInbound_QuestionRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	qdir := questionDir(t, "Deploy now?", "Yes", "No")
	h.notify(notify.Notification{ID: "N1", Action: notify.ActionUserQuestion, Notes: []string{"agent asks"},
		ActionData: map[string]string{"response_dir": qdir}})

	report, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboundReport{Sent: 1}, report)
	require.Len(t, h.transport.sent, 1)
	msg := h.transport.sent[0]
	assert.Contains(t, msg.Text, "Deploy now?")
	require.Len(t, msg.Buttons, 3)

	unresolved, err := h.stores.Pending.ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	a1 := unresolved[0]
	assert.Equal(t, chatID, a1.ChatID)
	assert.Equal(t, 1, a1.MessageID)

	yes := msg.Buttons[0][0].Data
	assert.Equal(t, callback.MustEncode(callback.Select(a1.ActionID, 0)), yes)

	// The same press delivered twice, e.g. after a poll overlap.
	h.transport.updates = []router.Update{buttonPress(10, yes), buttonPress(11, yes)}
	handled, err := h.inbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)
	assert.Equal(t, []string{"Selected: Yes", router.AckAlreadyHandled}, h.transport.answers)
	assert.Equal(t, []int{1}, h.transport.edits)

	data, err := os.ReadFile(filepath.Join(qdir, "question_response.json"))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	answers := body["answers"].([]any)
	assert.Equal(t, []any{"Yes"}, answers[0].(map[string]any)["selected"])
	assert.Equal(t, "Deploy now?", answers[0].(map[string]any)["question"])

	offset, ok, err := h.stores.Offset.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(12), offset)

	// Nothing new on the next cycle.
	report, err = h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
}

func TestInbound_FeedbackTwoStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	artifacts := t.TempDir()
	h.notify(notify.Notification{ID: "N2", Action: notify.ActionHITL, ActionData: map[string]string{"artifacts_dir": artifacts}})
	_, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)

	feedback := h.transport.sent[0].Buttons[0][2].Data
	h.transport.updates = []router.Update{buttonPress(1, feedback), textMessage(2, "looks good")}
	_, err = h.inbound.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{router.AckFeedbackPrompt}, h.transport.answers)
	data, err := os.ReadFile(filepath.Join(artifacts, "hitl_response.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"feedback","approved":false,"feedback":"looks good"}`, string(data))

	session, err := h.stores.Feedback.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Empty(t, h.launcher.prompts)
}

func TestInbound_ExpiredRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gone := filepath.Join(t.TempDir(), "gone")
	h.notify(notify.Notification{ID: "N3", Action: notify.ActionPlanApproval, ActionData: map[string]string{"response_dir": gone}})
	_, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)

	h.transport.updates = []router.Update{buttonPress(1, h.transport.sent[0].Buttons[0][0].Data)}
	_, err = h.inbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{router.AckExpired}, h.transport.answers)

	unresolved, err := h.stores.Pending.ListUnresolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved, "an expired action cannot be answered again")
}

func TestInbound_LaunchAndIgnore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.transport.updates = []router.Update{
		textMessage(1, "write the release notes"),
		textMessage(2, "/start"),
		{ID: 3, Kind: router.UpdateText, ChatID: "999", Text: "intruder"},
		{ID: 4},
		{ID: 5, Kind: router.UpdatePhoto, ChatID: chatID, FileID: "AgAC", Text: "what is this"},
	}
	handled, err := h.inbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, handled)

	require.Len(t, h.launcher.prompts, 2)
	assert.Equal(t, "write the release notes", h.launcher.prompts[0])
	assert.Contains(t, h.launcher.prompts[1], filepath.Join(h.dir, "images", "AgAC.jpg"))
	require.Len(t, h.transport.sent, 2)
	assert.True(t, strings.HasPrefix(h.transport.sent[0].Text, "Agent launched (PID 4242)"))
}

func TestInbound_LaunchFailureIsReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.launcher.err = errors.New("no workspace")
	h.transport.updates = []router.Update{textMessage(1, "go")}

	_, err := h.inbound.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, h.transport.sent, 1)
	assert.Equal(t, "Failed to launch agent: no workspace", h.transport.sent[0].Text)
}

func TestInbound_CorruptStoreStopsWithoutCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "state", "pending_actions.json"), []byte("{oops"), 0o600))
	h.transport.updates = []router.Update{buttonPress(7, callback.MustEncode(callback.Approve("abcd1234")))}

	_, err := h.inbound.RunOnce(ctx)
	assert.ErrorIs(t, err, store.ErrStoreCorrupt)
	_, ok, err := h.stores.Offset.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutbound_DeferredWhileActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.active = true
	h.notify(notify.Notification{ID: "N4", Notes: []string{"build done"}})

	report, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboundReport{Deferred: 1}, report)
	assert.Empty(t, h.transport.sent)

	h.active = false
	report, err = h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboundReport{Sent: 1}, report)
}

func TestOutbound_TransportErrorKeepsActionForRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.notify(notify.Notification{ID: "N5", Action: notify.ActionPlanApproval, ActionData: map[string]string{"response_dir": t.TempDir()}})

	h.transport.sendErr = errors.New("bad gateway")
	_, err := h.outbound.RunOnce(ctx)
	require.Error(t, err)
	first, err := h.stores.Pending.ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	h.transport.sendErr = nil
	report, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	second, err := h.stores.Pending.ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ActionID, second[0].ActionID)
}

func TestOutbound_AttachmentsAndDryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	report := filepath.Join(t.TempDir(), "report.md")
	require.NoError(t, os.WriteFile(report, []byte("# done"), 0o600))
	h.notify(notify.Notification{ID: "N6", Sender: "run-agent", Notes: []string{"finished"},
		Files: []string{report, "/nonexistent/gone.md"}})

	var out bytes.Buffer
	h.outbound.DryRun, h.outbound.Out = true, &out
	sent, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent.Sent)
	assert.Contains(t, out.String(), "--- Notification N6 ---")
	assert.Contains(t, out.String(), "Attachment: "+report)
	assert.NotContains(t, out.String(), "gone.md")
	assert.Empty(t, h.transport.sent)

	h.outbound.DryRun = false
	_, err = h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, h.transport.sent, 1)
	assert.True(t, strings.HasPrefix(h.transport.sent[0].Text, "✅ Workflow Complete"))
	assert.Equal(t, []string{report}, h.transport.files)
}

func TestOutbound_GenericFilesAreNotAttached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	notes := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(notes, []byte("x"), 0o600))
	h.notify(notify.Notification{ID: "N7", Sender: "ace", Notes: []string{"fyi"}, Files: []string{notes}})

	_, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, h.transport.sent, 1)
	assert.Empty(t, h.transport.files)
}

func TestOutbound_RateLimitedSiblingIsSentLater(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.limit(ratelimit.Spec{MaxMessages: 1, Window: 10 * time.Second})
	clock := time.Now()
	h.outbound.Now = func() time.Time { return clock }

	same := time.Now().Add(2 * time.Second).UTC().Format(time.RFC3339)
	h.notify(
		notify.Notification{ID: "A", Timestamp: same, Notes: []string{"first"}},
		notify.Notification{ID: "B", Timestamp: same, Notes: []string{"second"}},
	)

	report, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboundReport{Sent: 1, Deferred: 1}, report)

	clock = clock.Add(time.Minute)
	report, err = h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboundReport{Sent: 1}, report)
	require.Len(t, h.transport.sent, 2)
	assert.Contains(t, h.transport.sent[1].Text, "second")

	report, err = h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent, "neither is sent twice")
}

func TestOutbound_ActionableWithoutResponseDirHasNoButtons(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.notify(notify.Notification{ID: "N8", Action: notify.ActionHITL, Notes: []string{"approve?"}})

	report, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, h.transport.sent, 1)
	assert.Empty(t, h.transport.sent[0].Buttons)

	all, err := h.stores.Pending.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInbound_ActionWithoutResponseDirExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, err := h.stores.Pending.Create(ctx, store.NewAction{NotificationID: "legacy", NotificationType: store.NotificationPlanApproval})
	require.NoError(t, err)

	h.transport.updates = []router.Update{buttonPress(1, callback.MustEncode(callback.Approve(id)))}
	handled, err := h.inbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []string{router.AckExpired}, h.transport.answers)
}

func TestInbound_FeedbackReplayAfterFailedWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	artifacts := t.TempDir()
	h.notify(notify.Notification{ID: "N9", Action: notify.ActionHITL, ActionData: map[string]string{"artifacts_dir": artifacts}})
	_, err := h.outbound.RunOnce(ctx)
	require.NoError(t, err)

	sink := &flakySink{Sink: response.NewSink(), fails: 1}
	h.inbound.Sink = sink
	feedback := h.transport.sent[0].Buttons[0][2].Data
	h.transport.updates = []router.Update{buttonPress(1, feedback), textMessage(2, "looks good")}

	_, err = h.inbound.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	offset, _, err := h.stores.Offset.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), offset, "the failed update is not committed")

	handled, err := h.inbound.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Empty(t, h.launcher.prompts, "the replayed answer is not an agent prompt")

	data, err := os.ReadFile(filepath.Join(artifacts, "hitl_response.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"feedback","approved":false,"feedback":"looks good"}`, string(data))

	session, err := h.stores.Feedback.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
	last := h.transport.sent[len(h.transport.sent)-1]
	assert.Equal(t, router.AckFeedbackDone, last.Text)
}
