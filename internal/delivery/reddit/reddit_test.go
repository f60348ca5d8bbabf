package reddit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxictalk/internal/delivery"
	"github.com/toxictalk/internal/retry"
	"github.com/toxictalk/pkg/models"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeReddit records requests and serves canned responses per path
type fakeReddit struct {
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
	forms    map[string][]map[string]string
	tokens   int
}

func newFakeReddit() *fakeReddit {
	return &fakeReddit{
		handlers: map[string]http.HandlerFunc{},
		calls:    map[string]int{},
		forms:    map[string][]map[string]string{},
	}
}

func (f *fakeReddit) handle(path string, h http.HandlerFunc) {
	f.handlers[path] = h
}

func (f *fakeReddit) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeReddit) lastForm(path string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := f.forms[path]
	if len(fs) == 0 {
		return nil
	}
	return fs[len(fs)-1]
}

func (f *fakeReddit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v1/access_token" {
		f.mu.Lock()
		f.tokens++
		f.mu.Unlock()
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" || r.FormValue("grant_type") != "password" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600,"scope":"*"}`))
		return
	}

	if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("User-Agent") != "test-agent" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	f.mu.Lock()
	f.calls[r.URL.Path]++
	f.forms[r.URL.Path] = append(f.forms[r.URL.Path], form)
	h, ok := f.handlers[r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	h(w, r)
}

func jsonReply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, fake *fakeReddit) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	return NewClient(context.Background(), Config{
		ClientID:          "client-id",
		ClientSecret:      "client-secret",
		Username:          "toxictalk_bot",
		Password:          "hunter2",
		UserAgent:         "test-agent",
		AuthURL:           srv.URL,
		APIURL:            srv.URL,
		RequestsPerSecond: 1000,
		Burst:             100,
		Retry:             retry.Policy{MaxAttempts: 3, BaseDelay: time.Second},
		Sleep:             func(ctx context.Context, d time.Duration) error { return nil },
		Now:               func() time.Time { return fixedNow },
	})
}

var alice = models.Participant{
	Name: "alice", ID: "id-alice", Condition: "empathy", Strategy: models.StrategyDefault, Subreddit: "golang",
}

func TestDirect_SendNew(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/api/compose", jsonReply(http.StatusOK, `{"json":{"errors":[]}}`))
	ch := NewDirectChannel(newTestClient(t, fake))

	msg, err := ch.SendNew(context.Background(), alice, "Hello", "Hi there", models.TypeFirstConsented)
	require.NoError(t, err)

	assert.Equal(t, models.Message{
		UserID: "id-alice", Type: models.TypeFirstConsented, Text: "Hi there",
		CreatedUTC: models.Timestamp(fixedNow), Subreddit: "golang", Condition: "empathy",
	}, msg)

	form := fake.lastForm("/api/compose")
	assert.Equal(t, "alice", form["to"])
	assert.Equal(t, "Hello", form["subject"])
	assert.Equal(t, "Hi there", form["text"])
	assert.Equal(t, 1, fake.tokens, "token is fetched once")
}

func TestDirect_SendNewClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   delivery.FailureKind
	}{
		{"user missing", http.StatusOK, `{"json":{"errors":[["USER_DOESNT_EXIST","that user doesn't exist","to"]]}}`, delivery.PermanentRecipient},
		{"blocked", http.StatusOK, `{"json":{"errors":[["NOT_WHITELISTED_BY_USER_MESSAGE","Can't send a message to that user.","to"]]}}`, delivery.PermanentRecipient},
		{"blocked by message text", http.StatusOK, `{"json":{"errors":[["SOMETHING_NEW","Can't send a message to that user.","to"]]}}`, delivery.PermanentRecipient},
		{"bad request", http.StatusBadRequest, `{"json":{"errors":[["NO_TEXT","we need something here","text"]]}}`, delivery.PlatformRejected},
		{"other api error", http.StatusOK, `{"json":{"errors":[["SUBJECT_TOO_LONG","too long","subject"]]}}`, delivery.PlatformRejected},
		{"server error", http.StatusBadGateway, `oops`, delivery.Transient},
		{"user 404", http.StatusNotFound, `{"message":"Not Found","error":404}`, delivery.PermanentRecipient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeReddit()
			fake.handle("/api/compose", jsonReply(tt.status, tt.body))
			ch := NewDirectChannel(newTestClient(t, fake))

			_, err := ch.SendNew(context.Background(), alice, "s", "b", models.TypeInitial)
			require.Error(t, err)
			assert.Equal(t, tt.want, delivery.KindOf(err))
			assert.Equal(t, 1, fake.count("/api/compose"), "only rate limits are retried")
		})
	}
}

func TestDirect_RateLimitRetriedThenTransient(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/api/compose", jsonReply(http.StatusTooManyRequests, `{"message":"Too Many Requests","error":429}`))
	ch := NewDirectChannel(newTestClient(t, fake))

	_, err := ch.SendNew(context.Background(), alice, "s", "b", models.TypeInitial)
	require.Error(t, err)
	assert.True(t, delivery.IsTransient(err))
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 3, fake.count("/api/compose"))
}

func TestDirect_RateLimitThenSuccess(t *testing.T) {
	fake := newFakeReddit()
	calls := 0
	fake.handle("/api/compose", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"json":{"ratelimit":3.2,"errors":[["RATELIMIT","you are doing that too much","ratelimit"]]}}`))
			return
		}
		w.Write([]byte(`{"json":{"errors":[]}}`))
	})
	ch := NewDirectChannel(newTestClient(t, fake))

	_, err := ch.SendNew(context.Background(), alice, "s", "b", models.TypeInitial)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.count("/api/compose"))
}

func TestDirect_SendReply(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/api/comment", jsonReply(http.StatusOK,
		`{"json":{"errors":[],"data":{"things":[{"kind":"t4","data":{"id":"newmsg","name":"t4_newmsg"}}]}}}`))
	ch := NewDirectChannel(newTestClient(t, fake))

	target := models.Message{UserID: "id-alice", Type: models.TypeUser, Ref: "abc123"}
	msg, err := ch.SendReply(context.Background(), target, alice, "reply text", models.TypeAIReply)
	require.NoError(t, err)

	assert.Equal(t, "t4_abc123", fake.lastForm("/api/comment")["thing_id"])
	assert.Equal(t, "newmsg", msg.Ref)
	assert.False(t, msg.IsModmail)
	assert.Equal(t, models.TypeAIReply, msg.Type)
}

func TestDirect_SendReplyWithoutRef(t *testing.T) {
	fake := newFakeReddit()
	ch := NewDirectChannel(newTestClient(t, fake))

	_, err := ch.SendReply(context.Background(), models.Message{}, alice, "x", models.TypeAIReply)
	assert.True(t, delivery.IsRejected(err))
	assert.Equal(t, 0, fake.count("/api/comment"))
}

func TestDirect_PollAndAck(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/message/unread", jsonReply(http.StatusOK, `{"kind":"Listing","data":{"children":[
		{"kind":"t1","data":{"id":"c1","author":"bob","body":"comment reply","created_utc":1700000000}},
		{"kind":"t4","data":{"id":"m1","name":"t4_m1","author":"alice","subject":"re: Hello","body":"sure","created_utc":1700000100.5,"parent_id":"t4_orig"}},
		{"kind":"t4","data":{"id":"m2","name":"t4_m2","author":"carol","subject":"toxictalk","body":"add me","created_utc":1700000200,"parent_id":null}},
		{"kind":"t4","data":{"id":"m3","name":"t4_m3","author":"","subject":"mod notice","body":"x","created_utc":1700000300,"subreddit":"golang"}}
	]}}`))
	fake.handle("/api/read_message", jsonReply(http.StatusOK, `{}`))
	ch := NewDirectChannel(newTestClient(t, fake))

	items, err := ch.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, delivery.Inbound{
		Author: "alice", Subject: "re: Hello", Body: "sure", Ref: "m1", ParentID: "t4_orig", CreatedUTC: 1700000100.5,
	}, items[0])
	assert.Equal(t, "carol", items[1].Author)
	assert.Empty(t, items[1].ParentID)

	require.NoError(t, ch.Ack(context.Background(), items))
	assert.Equal(t, "t4_m1,t4_m2", fake.lastForm("/api/read_message")["id"])
}

func TestModmail_SendNewArchives(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/api/mod/conversations", jsonReply(http.StatusCreated, `{"conversation":{"id":"conv1","state":0}}`))
	fake.handle("/api/mod/conversations/conv1/archive", jsonReply(http.StatusOK, `{}`))
	ch := NewModmailChannel(newTestClient(t, fake))

	msg, err := ch.SendNew(context.Background(), alice, "Subject", "Body", models.TypeInitial)
	require.NoError(t, err)

	assert.Equal(t, "conv1", msg.Ref)
	assert.True(t, msg.IsModmail)
	assert.Equal(t, 1, fake.count("/api/mod/conversations/conv1/archive"))

	form := fake.lastForm("/api/mod/conversations")
	assert.Equal(t, "golang", form["srName"])
	assert.Equal(t, "alice", form["to"])
}

func TestModmail_SendNewUserMissing(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/api/mod/conversations", jsonReply(http.StatusBadRequest,
		`{"fields":["to"],"explanation":"That user does not exist","message":"Bad Request","reason":"USER_DOESNT_EXIST"}`))
	ch := NewModmailChannel(newTestClient(t, fake))

	_, err := ch.SendNew(context.Background(), alice, "Subject", "Body", models.TypeInitial)
	assert.True(t, delivery.IsPermanent(err))
}

func TestModmail_SendReply(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/api/mod/conversations/conv9", jsonReply(http.StatusOK, `{"conversation":{"id":"conv9"}}`))
	fake.handle("/api/mod/conversations/conv9/archive", jsonReply(http.StatusOK, `{}`))
	ch := NewModmailChannel(newTestClient(t, fake))

	target := models.Message{UserID: "id-alice", Type: models.TypeUser, Ref: "conv9", IsModmail: true}
	msg, err := ch.SendReply(context.Background(), target, alice, "Thanks!", models.TypeHandoff)
	require.NoError(t, err)

	assert.Equal(t, "conv9", msg.Ref)
	assert.Equal(t, models.TypeHandoff, msg.Type)
	assert.Equal(t, "Thanks!", fake.lastForm("/api/mod/conversations/conv9")["body"])
	assert.Equal(t, 1, fake.count("/api/mod/conversations/conv9/archive"))
}

func TestModmail_ArchiveFailureIsSwallowed(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/api/mod/conversations/conv9/archive", jsonReply(http.StatusInternalServerError, `{}`))
	ch := NewModmailChannel(newTestClient(t, fake))

	ch.Archive(context.Background(), models.Message{Ref: "conv9", IsModmail: true})
	ch.Archive(context.Background(), models.Message{Ref: "m1", IsModmail: false})
	assert.Equal(t, 1, fake.count("/api/mod/conversations/conv9/archive"))
}

func TestModmail_Poll(t *testing.T) {
	recent := fixedNow.Add(-time.Hour).Format(time.RFC3339Nano)
	earlier := fixedNow.Add(-2 * time.Hour).Format(time.RFC3339Nano)
	old := fixedNow.Add(-5 * 24 * time.Hour).Format(time.RFC3339Nano)

	fake := newFakeReddit()
	fake.handle("/api/mod/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") == "filtered" {
			w.Write([]byte(`{"conversations":{"f1":{"id":"f1","authors":[{"name":"toxictalk_bot"}],"objIds":[]}},"conversationIds":["f1"],"messages":{}}`))
			return
		}
		w.Write([]byte(`{
			"conversationIds":["answered","ours","theirs","stale"],
			"conversations":{
				"answered":{"id":"answered","state":1,"owner":{"displayName":"golang"},"objIds":[{"id":"a1","key":"messages"},{"id":"a2","key":"messages"},{"id":"x","key":"modActions"}]},
				"ours":{"id":"ours","state":1,"owner":{"displayName":"golang"},"objIds":[{"id":"o1","key":"messages"}]},
				"theirs":{"id":"theirs","state":1,"owner":{"displayName":"rust"},"objIds":[{"id":"t1","key":"messages"}]},
				"stale":{"id":"stale","state":1,"owner":{"displayName":"golang"},"objIds":[{"id":"s1","key":"messages"},{"id":"s2","key":"messages"}]}
			},
			"messages":{
				"a1":{"id":"a1","author":{"name":"toxictalk_bot"},"bodyMarkdown":"hello","date":"` + earlier + `"},
				"a2":{"id":"a2","author":{"name":"alice"},"bodyMarkdown":"yes","date":"` + recent + `"},
				"o1":{"id":"o1","author":{"name":"toxictalk_bot"},"bodyMarkdown":"hello","date":"` + recent + `"},
				"t1":{"id":"t1","author":{"name":"dave"},"bodyMarkdown":"appeal","date":"` + recent + `"},
				"s1":{"id":"s1","author":{"name":"toxictalk_bot"},"bodyMarkdown":"hello","date":"` + old + `"},
				"s2":{"id":"s2","author":{"name":"erin"},"bodyMarkdown":"late","date":"` + old + `"}
			}
		}`))
	})
	for _, id := range []string{"answered", "ours", "theirs", "stale", "f1"} {
		fake.handle("/api/mod/conversations/"+id+"/archive", jsonReply(http.StatusOK, `{}`))
	}
	ch := NewModmailChannel(newTestClient(t, fake))

	items, err := ch.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	at, _ := time.Parse(time.RFC3339Nano, recent)
	assert.Equal(t, delivery.Inbound{
		Author: "alice", Body: "yes", Ref: "answered", Subreddit: "golang",
		CreatedUTC: models.Timestamp(at), IsModmail: true,
	}, items[0])

	assert.Equal(t, 1, fake.count("/api/mod/conversations/ours/archive"), "our unanswered thread is archived")
	assert.Equal(t, 0, fake.count("/api/mod/conversations/answered/archive"), "answered thread waits for Ack")
	assert.Equal(t, 0, fake.count("/api/mod/conversations/stale/archive"))
	assert.Equal(t, 1, fake.count("/api/mod/conversations/f1/archive"), "filtered thread is archived")

	require.NoError(t, ch.Ack(context.Background(), items))
	assert.Equal(t, 1, fake.count("/api/mod/conversations/answered/archive"))
}

func TestRules(t *testing.T) {
	fake := newFakeReddit()
	fake.handle("/r/golang/about/rules", jsonReply(http.StatusOK,
		`{"rules":[{"short_name":"Be patient","description":"..."},{"short_name":"No spam"}],"site_rules":[]}`))
	c := newTestClient(t, fake)

	rules, err := c.Rules(context.Background(), "golang")
	require.NoError(t, err)
	assert.Equal(t, "Be patient, No spam", rules)
}
