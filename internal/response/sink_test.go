package response

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sasehq/sase-chop-telegram/internal/store"
)

func resolved(typ store.NotificationType, data map[string]string, r store.Response) *store.PendingAction {
	r.ResolvedAt = time.Now()
	return &store.PendingAction{
		ActionID:         "a1b2c3d4",
		NotificationType: typ,
		ActionData:       data,
		Resolved:         true,
		Response:         &r,
	}
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestSink_WriteShapes(t *testing.T) {
	idx := 0
	tests := []struct {
		name string
		typ  store.NotificationType
		key  string
		file string
		resp store.Response
		want string
	}{
		{"plan approve", store.NotificationPlanApproval, KeyResponseDir, "plan_response.json",
			store.Response{Kind: store.ResponseApprove}, `{"action":"approve"}`},
		{"plan feedback", store.NotificationPlanApproval, KeyResponseDir, "plan_response.json",
			store.Response{Kind: store.ResponseText, Value: "split step 2"}, `{"action":"feedback","feedback":"split step 2"}`},
		{"hitl accept", store.NotificationHITLRequest, KeyArtifactsDir, "hitl_response.json",
			store.Response{Kind: store.ResponseApprove}, `{"action":"accept","approved":true}`},
		{"hitl reject", store.NotificationHITLRequest, KeyArtifactsDir, "hitl_response.json",
			store.Response{Kind: store.ResponseReject}, `{"action":"reject","approved":false}`},
		{"hitl feedback", store.NotificationHITLRequest, KeyArtifactsDir, "hitl_response.json",
			store.Response{Kind: store.ResponseText, Value: "use rm -i"}, `{"action":"feedback","approved":false,"feedback":"use rm -i"}`},
		{"question select", store.NotificationUserQuestion, KeyResponseDir, "question_response.json",
			store.Response{Kind: store.ResponseSelect, Value: "Yes", OptionIndex: &idx},
			`{"answers":[{"question":"Proceed?","selected":["Yes"],"custom_feedback":null}],"global_note":"Answered via Telegram"}`},
		{"question custom", store.NotificationUserQuestion, KeyResponseDir, "question_response.json",
			store.Response{Kind: store.ResponseText, Value: "later"},
			`{"answers":[{"question":"Proceed?","selected":[],"custom_feedback":"later"}],"global_note":"Answered via Telegram"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			a := resolved(tt.typ, map[string]string{tt.key: dir, KeyQuestion: "Proceed?"}, tt.resp)

			written, err := NewSink().Write(context.Background(), a)
			require.NoError(t, err)
			assert.True(t, written)

			var want map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.want), &want))
			assert.Equal(t, want, readJSON(t, filepath.Join(dir, tt.file)))
		})
	}
}

func TestSink_WriteOnce(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink()
	a := resolved(store.NotificationPlanApproval, map[string]string{KeyResponseDir: dir}, store.Response{Kind: store.ResponseApprove})

	written, err := sink.Write(context.Background(), a)
	require.NoError(t, err)
	require.True(t, written)

	a.Response.Kind = store.ResponseReject
	written, err = sink.Write(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, "approve", readJSON(t, filepath.Join(dir, "plan_response.json"))["action"])
}

func TestSink_Expired(t *testing.T) {
	gone := filepath.Join(t.TempDir(), "gone")
	a := resolved(store.NotificationHITLRequest, map[string]string{KeyArtifactsDir: gone}, store.Response{Kind: store.ResponseApprove})

	_, err := NewSink().Write(context.Background(), a)
	assert.ErrorIs(t, err, ErrExpired)
	assert.NoDirExists(t, gone)
}

func TestBody_RejectsMismatchedKind(t *testing.T) {
	a := resolved(store.NotificationUserQuestion, nil, store.Response{Kind: store.ResponseApprove})
	_, err := Body(a)
	assert.Error(t, err)

	_, err = NewSink().Write(context.Background(), resolved(store.NotificationPlanApproval, nil, store.Response{Kind: store.ResponseApprove}))
	assert.ErrorIs(t, err, ErrExpired, "missing directory key")
}
