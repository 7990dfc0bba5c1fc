package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ehr-chatbot/internal/core"
	"ehr-chatbot/internal/llm"
	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/service"
	"ehr-chatbot/internal/service/servicetest"
)

func newDispatcher(withStore bool) *Dispatcher {
	client := llm.EchoClient{}
	bot := core.NewBot(client, core.NewMemoryStore(20), core.Options{Model: "test-model"}, logging.Discard(), nil)
	var store service.Store
	if withStore {
		store = servicetest.NewStore()
	}
	svc := service.New(store, bot, core.NewSummarizer(client, llm.Options{}), nil, logging.Discard(), nil)
	return NewDispatcher(svc, withStore)
}

func run(t *testing.T, d *Dispatcher, input string) (int, map[string]any) {
	t.Helper()
	var out bytes.Buffer
	code := 0
	req, err := ParseRequest([]byte(input))
	var res Result
	if err == nil {
		res, err = d.Dispatch(context.Background(), req)
	}
	if err != nil {
		res, code = ErrorResult(err), 1
	}
	require.NoError(t, WriteResult(&out, res))
	assert.Equal(t, 1, strings.Count(out.String(), "\n"), "output must be a single line")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	return code, decoded
}

func TestHealthCommand(t *testing.T) {
	code, res := run(t, newDispatcher(false), `{"command":"health"}`)
	assert.Equal(t, 0, code)
	assert.Equal(t, "healthy", res["status"])
	assert.Equal(t, true, res["success"])
}

func TestLegacyCommandsWithoutStore(t *testing.T) {
	d := newDispatcher(false)

	code, res := run(t, d, `{"command":"generate_educational","condition_name":"آسم","condition_data":{"doctor_guide":"اسپری همراه داشته باشید"},"session_id":3}`)
	assert.Equal(t, 0, code)
	assert.Contains(t, res["message"], "اسپری همراه داشته باشید")
	assert.Equal(t, false, res["fallback"])

	code, res = run(t, d, `{"command":"chat","question":"سوال-الف","session_id":3}`)
	assert.Equal(t, 0, code)
	assert.Contains(t, res["answer"], "سوال-الف")
	assert.Equal(t, 4, d.svc.Bot().Memory().Len(3))
}

func TestLegacyCommandValidation(t *testing.T) {
	d := newDispatcher(false)
	code, res := run(t, d, `{"command":"chat","question":"سلام"}`)
	assert.Equal(t, 1, code)
	assert.Equal(t, "invalid_input", res["error_type"])

	code, res = run(t, d, `{"command":"generate_educational"}`)
	assert.Equal(t, 1, code)
	assert.Equal(t, false, res["success"])

	code, res = run(t, d, `{"command":"chat","question":"سلام","session_id":1,"conversation_history":[{"role":"nurse","content":"x"}]}`)
	assert.Equal(t, 1, code)
	assert.Equal(t, "invalid_input", res["error_type"])
}

func TestRequestErrors(t *testing.T) {
	d := newDispatcher(true)
	cases := map[string]string{
		"":                   "invalid_input",
		"{not json":          "invalid_input",
		`{"user_id": 1}`:     "invalid_input",
		`{"action":"dance"}`: "unknown_action",
		`{"command":"sing"}`: "unknown_action",
	}
	for input, kind := range cases {
		code, res := run(t, d, input)
		assert.Equal(t, 1, code, input)
		assert.Equal(t, kind, res["error_type"], input)
	}
}

func TestSessionActionsNeedStore(t *testing.T) {
	code, res := run(t, newDispatcher(false), `{"action":"get_messages","session_id":1}`)
	assert.Equal(t, 1, code)
	assert.Equal(t, "configuration", res["error_type"])

	code, _ = run(t, newDispatcher(false), `{"action":"clear_memory","session_id":1}`)
	assert.Equal(t, 0, code)
}

func TestSessionLifecycle(t *testing.T) {
	d := newDispatcher(true)

	code, res := run(t, d, `{"action":"start_session","user_id":1234567890123,"condition_name":"دیابت نوع 2","patient_data":{"hba1c":7.2},"generate_initial_content":true}`)
	require.Equal(t, 0, code, res)
	id := int64(res["session_id"].(float64))
	initial := res["initial_message"].(map[string]any)
	assert.Equal(t, "education_note", initial["type"])
	assert.Contains(t, initial["content"], "7.2")

	sid := strings.TrimSpace(string(mustJSON(t, id)))

	code, res = run(t, d, `{"action":"send_message","session_id":`+sid+`,"message":"ورزش مفید است؟"}`)
	require.Equal(t, 0, code, res)
	reply := res["reply"].(map[string]any)
	assert.Equal(t, "assistant", reply["role"])
	assert.Contains(t, reply["content"], "ورزش مفید است؟")

	code, res = run(t, d, `{"action":"generate_education","session_id":`+sid+`}`)
	require.Equal(t, 0, code, res)
	assert.Contains(t, res["content"], "دیابت نوع 2")

	code, res = run(t, d, `{"action":"get_messages","session_id":`+sid+`}`)
	require.Equal(t, 0, code, res)
	assert.Len(t, res["messages"], 5)

	code, res = run(t, d, `{"action":"summarize","session_id":`+sid+`}`)
	require.Equal(t, 0, code, res)
	assert.Contains(t, res["summary"], "ورزش مفید است؟")

	code, res = run(t, d, `{"action":"clear_memory","session_id":`+sid+`}`)
	require.Equal(t, 0, code, res)
	assert.Zero(t, d.svc.Bot().Memory().Len(id))

	code, res = run(t, d, `{"action":"delete_session","session_id":`+sid+`}`)
	require.Equal(t, 0, code, res)
	assert.Equal(t, true, res["deleted"])

	code, res = run(t, d, `{"action":"get_messages","session_id":`+sid+`}`)
	assert.Equal(t, 1, code)
	assert.Equal(t, "not_found", res["error_type"])

	code, res = run(t, d, `{"action":"send_message","session_id":999,"message":"سلام"}`)
	assert.Equal(t, 1, code)
	assert.Equal(t, "not_found", res["error_type"])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
