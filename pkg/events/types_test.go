package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "org:42", OrgChannel(42))
	assert.Equal(t, "playbooks:42", PlaybooksChannel(42))
	assert.Equal(t, "execution:9b2f", ExecutionChannel("9b2f"))
}

func TestClientMessageUnmarshal(t *testing.T) {
	raw := `{"action":"authenticate","token":"t","userId":7,"organizationId":42,"permissions":["playbook:execute"]}`

	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "authenticate", msg.Action)
	assert.Equal(t, "t", msg.Token)
	assert.Equal(t, int64(7), msg.UserID)
	assert.Equal(t, int64(42), msg.OrganizationID)
	assert.Equal(t, []string{"playbook:execute"}, msg.Permissions)
	assert.Nil(t, msg.LastEventID)
}

func TestInjectDBEventID(t *testing.T) {
	payload := []byte(`{"type":"execution:started","execution_id":"abc","organization_id":42}`)

	out, err := injectDBEventIDAndTruncate(payload, 77)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, float64(77), m["db_event_id"])
	assert.Equal(t, "execution:started", m["type"])
}

func TestTruncateIfNeeded_SmallPayloadUnchanged(t *testing.T) {
	payload := `{"type":"execution:log","message":"hi"}`
	out, err := truncateIfNeeded(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestTruncateIfNeeded_OversizedBecomesEnvelope(t *testing.T) {
	big := map[string]any{
		"type":            "step:completed",
		"execution_id":    "abc",
		"organization_id": 42,
		"step_id":         "isolate",
		"result":          strings.Repeat("x", 9000),
	}
	payload, err := json.Marshal(big)
	require.NoError(t, err)

	out, err := truncateIfNeeded(string(payload))
	require.NoError(t, err)
	assert.Less(t, len(out), 7900)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, true, m["truncated"])
	assert.Equal(t, "step:completed", m["type"])
	assert.Equal(t, "abc", m["execution_id"])
	assert.Equal(t, "isolate", m["step_id"])
	assert.NotContains(t, m, "result")
}
