package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ehr-chatbot/internal/core"
	"ehr-chatbot/internal/llm"
	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/observability"
	"ehr-chatbot/internal/service"
	"ehr-chatbot/internal/service/servicetest"
)

type failingLLM struct{}

func (failingLLM) Complete(context.Context, []llm.Message, llm.Options) (string, error) {
	return "", errors.New("rate limited")
}

func (failingLLM) Stream(context.Context, []llm.Message, llm.Options) (llm.Stream, error) {
	return nil, errors.New("rate limited")
}

type testEnv struct {
	ts  *httptest.Server
	svc *service.Service
	hub *service.Hub
}

func newTestEnv(t *testing.T, client llm.Client) testEnv {
	t.Helper()
	metrics := observability.NewMetrics("test")
	hub := service.NewHub()
	bot := core.NewBot(client, core.NewMemoryStore(20), core.Options{
		Model:                "test-model",
		Temperature:          0.7,
		EducationalMaxTokens: 2000,
		ChatMaxTokens:        500,
	}, logging.Discard(), metrics)
	svc := service.New(servicetest.NewStore(), bot, core.NewSummarizer(client, llm.Options{}), hub, logging.Discard(), metrics)
	srv, err := NewServer(svc, logging.Discard(), metrics, Options{Events: hub})
	require.NoError(t, err)
	ts := httptest.NewUnstartedServer(srv.Router())
	ts.Config.RegisterOnShutdown(hub.Close)
	ts.Start()
	t.Cleanup(ts.Close)
	return testEnv{ts: ts, svc: svc, hub: hub}
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res, out
}

type sseEvent struct {
	name string
	data map[string]any
}

func readEvents(t *testing.T, res *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	name := ""
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var data map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
			events = append(events, sseEvent{name: name, data: data})
			name = ""
		}
	}
	return events
}

func joinChunks(events []sseEvent) string {
	var b strings.Builder
	for _, e := range events {
		if e.name == "" {
			b.WriteString(e.data["chunk"].(string))
		}
	}
	return b.String()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	res, body := getJSON(t, env.ts.URL+"/health")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"))
}

func TestGenerateInitialMessage(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	res, body := postJSON(t, env.ts.URL+"/generate-initial-message",
		`{"context":{"treatment_plan_name":"آسم","condition_data":{"age":30}},"session_id":4}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Nil(t, body["fallback"])
	assert.Contains(t, body["message"], "آسم")
	assert.Contains(t, body["message"], "- age: 30")
	assert.Equal(t, 2, env.svc.Bot().Memory().Len(4))
}

func TestGenerateInitialMessageRequiresName(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	res, body := postJSON(t, env.ts.URL+"/generate-initial-message", `{"context":{}}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, false, body["success"])

	res, _ = postJSON(t, env.ts.URL+"/generate-initial-message", ``)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	cases := map[string]string{
		"missing question":   `{"session_id":1}`,
		"missing session id": `{"question":"سلام"}`,
		"unknown role":       `{"question":"سلام","session_id":1,"conversation_history":[{"role":"doctor","content":"x"}]}`,
		"malformed json":     `{"question":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			res, out := postJSON(t, env.ts.URL+"/chat", body)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestChatAccumulatesAndClears(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	_, body := postJSON(t, env.ts.URL+"/chat", `{"question":"سوال-یک","session_id":11}`)
	assert.Equal(t, true, body["success"])
	_, body = postJSON(t, env.ts.URL+"/chat", `{"question":"سوال-دو","session_id":11}`)
	assert.Contains(t, body["answer"], "سوال-یک")
	assert.Equal(t, 4, env.svc.Bot().Memory().Len(11))

	_, body = postJSON(t, env.ts.URL+"/chat",
		`{"question":"سوال-سه","session_id":11,"conversation_history":[{"role":"human","content":"قبلی"},{"role":"ai","content":"پاسخ قبلی"}]}`)
	assert.NotContains(t, body["answer"], "سوال-یک")
	assert.Contains(t, body["answer"], "پاسخ قبلی")
	assert.Equal(t, 4, env.svc.Bot().Memory().Len(11))

	req, err := http.NewRequest(http.MethodDelete, env.ts.URL+"/sessions/11/memory", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Zero(t, env.svc.Bot().Memory().Len(11))
}

func TestChatFallback(t *testing.T) {
	env := newTestEnv(t, failingLLM{})
	res, body := postJSON(t, env.ts.URL+"/chat", `{"question":"سلام","session_id":2}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["fallback"])
	assert.Contains(t, body["answer"], "rate limited")
}

func TestChatStreamMatchesSync(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{ChunkRunes: 4})
	_, body := postJSON(t, env.ts.URL+"/chat", `{"question":"سردرد دارم","session_id":21,"condition_data":{"age":50}}`)

	res, err := http.Post(env.ts.URL+"/chat/stream", "application/json",
		strings.NewReader(`{"question":"سردرد دارم","session_id":22,"condition_data":{"age":50}}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	events := readEvents(t, res)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, "done", last.name)
	assert.Equal(t, true, last.data["success"])
	assert.Equal(t, body["answer"], joinChunks(events))
	assert.Equal(t, 2, env.svc.Bot().Memory().Len(22))
}

func TestGenerateStreamFallback(t *testing.T) {
	env := newTestEnv(t, failingLLM{})
	res, err := http.Post(env.ts.URL+"/generate-initial-message/stream", "application/json",
		strings.NewReader(`{"context":{"condition_name":"آسم"}}`))
	require.NoError(t, err)
	defer res.Body.Close()
	events := readEvents(t, res)
	require.Len(t, events, 2)
	assert.Contains(t, events[0].data["chunk"], "متأسفانه در تولید محتوای آموزشی خطایی رخ داد")
	assert.Equal(t, "done", events[1].name)
	assert.Equal(t, true, events[1].data["fallback"])
}

func createSession(t *testing.T, env testEnv) int64 {
	t.Helper()
	res, body := postJSON(t, env.ts.URL+"/api/sessions",
		`{"user_id":1234567890123,"user_name":"علی","condition_name":"فشار خون","patient_data":{"bp":"150/95"}}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	sess := body["session"].(map[string]any)
	return int64(sess["id"].(float64))
}

func TestSessionAPI(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	id := createSession(t, env)
	base := env.ts.URL + "/api/sessions/" + itoa(id)

	res, body := postJSON(t, base+"/messages", `{"content":"نمک بخورم؟"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	msg := body["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Contains(t, msg["content"], "150/95")

	res, body = getJSON(t, base+"/messages")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, body["messages"], 3)

	res, body = getJSON(t, base+"/summary")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body["summary"], "نمک بخورم؟")

	res, body = postJSON(t, base+"/education", ``)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body["message"].(map[string]any)["content"], "فشار خون")

	res, body = getJSON(t, env.ts.URL+"/api/users/1234567890123")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	ov := body["overview"].(map[string]any)
	assert.Len(t, ov["sessions"], 1)
}

func TestSessionAPIErrors(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})

	res, _ := getJSON(t, env.ts.URL+"/api/sessions/999/messages")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = postJSON(t, env.ts.URL+"/api/sessions/999/messages", `{"content":"سلام"}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = getJSON(t, env.ts.URL+"/api/sessions/abc/messages")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	id := createSession(t, env)
	res, _ = postJSON(t, env.ts.URL+"/api/sessions/"+itoa(id)+"/messages", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = postJSON(t, env.ts.URL+"/api/sessions", `{"user_id":5}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = getJSON(t, env.ts.URL+"/api/users/77")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func deleteJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res, out
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	id := createSession(t, env)
	base := env.ts.URL + "/api/sessions/" + itoa(id)
	res, _ := postJSON(t, base+"/messages", `{"content":"سلام"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := deleteJSON(t, base)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Zero(t, env.svc.Bot().Memory().Len(id))

	res, _ = getJSON(t, base+"/messages")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = deleteJSON(t, base)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = deleteJSON(t, env.ts.URL+"/api/sessions/abc")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSessionMessageStream(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{ChunkRunes: 8})
	id := createSession(t, env)

	res, err := http.Post(env.ts.URL+"/api/sessions/"+itoa(id)+"/messages/stream", "application/json",
		strings.NewReader(`{"content":"ورزش کنم؟"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	events := readEvents(t, res)
	require.NotEmpty(t, events)
	done := events[len(events)-1]
	assert.Equal(t, "done", done.name)
	assert.NotZero(t, done.data["message_id"])

	_, msgs, err := env.svc.Messages(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, joinChunks(events), msgs[2].Content)
}

func TestSessionEvents(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	id := createSession(t, env)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/sessions/"+itoa(id)+"/events", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	sc := bufio.NewScanner(res.Body)
	next := func() string {
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		return ""
	}
	require.Equal(t, "ready", next())

	_, _, err = env.svc.SendMessage(context.Background(), id, "سلام")
	require.NoError(t, err)
	assert.Equal(t, "update", next())
}

func TestShutdownEndsSessionEvents(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	id := createSession(t, env)

	res, err := http.Get(env.ts.URL + "/api/sessions/" + itoa(id) + "/events")
	require.NoError(t, err)
	defer res.Body.Close()
	sc := bufio.NewScanner(res.Body)
	require.True(t, sc.Scan())
	require.Equal(t, "event: ready", sc.Text())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, env.ts.Config.Shutdown(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)

	var events []string
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"closed"}, events)
}

func TestUIFlow(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	client := noRedirect()

	res, err := client.Get(env.ts.URL + "/")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = client.Get(env.ts.URL + "/ui/users?user_id=42")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/ui/users/42", res.Header.Get("Location"))

	res, err = client.Get(env.ts.URL + "/ui/users/42")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = client.PostForm(env.ts.URL+"/ui/users/42/sessions", url.Values{
		"user_name":      {"سارا"},
		"condition_name": {"میگرن"},
		"patient_data":   {`{"age": 28}`},
	})
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	location := res.Header.Get("Location")
	assert.True(t, strings.HasPrefix(location, "/ui/sessions/"))

	res, err = client.PostForm(env.ts.URL+location+"/messages", url.Values{"content": {"قهوه مجاز است؟"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)

	res, err = client.Get(env.ts.URL + location)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	page := new(strings.Builder)
	_, err = bufio.NewReader(res.Body).WriteTo(page)
	require.NoError(t, err)
	assert.Contains(t, page.String(), "قهوه مجاز است؟")
	assert.NotContains(t, page.String(), "patient_context:")
}

func TestUIErrors(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	client := noRedirect()

	res, err := client.PostForm(env.ts.URL+"/ui/users/42/sessions", url.Values{
		"condition_name": {"میگرن"},
		"patient_data":   {`[not json`},
	})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = client.Get(env.ts.URL + "/ui/sessions/999")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = client.Get(env.ts.URL + "/ui/users?user_id=abc")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, llm.EchoClient{})
	_, _ = getJSON(t, env.ts.URL+"/health")

	scrape := func() string {
		res, err := http.Get(env.ts.URL + "/metrics")
		if err != nil {
			return ""
		}
		defer res.Body.Close()
		page := new(strings.Builder)
		_, _ = bufio.NewReader(res.Body).WriteTo(page)
		return page.String()
	}
	// the request is recorded after its response has been written
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(), `test_http_requests_total{code="200",route="/health"}`)
	}, 2*time.Second, 20*time.Millisecond)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
