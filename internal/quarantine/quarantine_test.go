package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-ai/bastion/internal/model"
)

// scriptedClient replays canned replies. Chat and ChatWithSchema share
// one script so the call order of a run is easy to assert. prompted
// marks the client as lacking native structured output.
type scriptedClient struct {
	name     string
	prompted bool
	replies  []string
	calls    int
	lastMsg  []model.CommonMessage
}

func (s *scriptedClient) Name() string         { return s.name }
func (s *scriptedClient) SupportsSchema() bool { return !s.prompted }

func (s *scriptedClient) next() (string, error) {
	if s.calls >= len(s.replies) {
		return "", fmt.Errorf("%s: no scripted reply for call %d", s.name, s.calls)
	}
	reply := s.replies[s.calls]
	s.calls++
	return reply, nil
}

func (s *scriptedClient) Chat(_ context.Context, msgs []model.CommonMessage, _ float64) (string, error) {
	s.lastMsg = msgs
	return s.next()
}

func (s *scriptedClient) ChatWithSchema(_ context.Context, msgs []model.CommonMessage, _ map[string]interface{}, _ float64) (json.RawMessage, error) {
	s.lastMsg = msgs
	reply, err := s.next()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(reply), nil
}

func question(q string, opts ...string) string {
	b, _ := json.Marshal(map[string]interface{}{"question": q, "options": opts, "done": false})
	return string(b)
}

const doneReply = `{"question":"","options":[],"done":true}`

func TestRunThreeRoundsThenDone(t *testing.T) {
	main := &scriptedClient{name: "main", replies: []string{
		question("What kind of document is it?", "email", "invoice", "other"),
		question("Who sent it?", "a colleague", "an external party", "other"),
		question("Does it ask the user to act?", "yes", "no", "other"),
		doneReply,
		"One external email asking the user to act.",
	}}
	quarantined := &scriptedClient{name: "q", replies: []string{"0", "1", "0"}}

	o := New(main, quarantined, zerolog.Nop())
	result, err := o.Run(context.Background(), "raw email body", "check my inbox")
	require.NoError(t, err)

	require.Len(t, result.Rounds, 3)
	assert.Equal(t, "What kind of document is it?", result.Rounds[0].Question)
	assert.Equal(t, 0, result.Rounds[0].ChosenIndex)
	assert.Equal(t, 1, result.Rounds[1].ChosenIndex)
	assert.Equal(t, "One external email asking the user to act.", result.Summary)

	// 3 questions + 1 done + 1 summary to main, 3 answers from quarantined.
	assert.Equal(t, 5, main.calls)
	assert.Equal(t, 3, quarantined.calls)
}

func TestRunRoundCeilingBoundsCalls(t *testing.T) {
	// Main never signals done; quarantined always answers 0. With a
	// ceiling of 4 the summary call is main call number 5, so it sits
	// at index 4; the questions staged after it must never be consumed.
	var replies []string
	for i := 0; i < 4; i++ {
		replies = append(replies, question("again?", "yes", "no"))
	}
	replies = append(replies, "summary after ceiling")
	for i := 0; i < 10; i++ {
		replies = append(replies, question("again?", "yes", "no"))
	}
	main := &scriptedClient{name: "main", replies: replies}

	var qReplies []string
	for i := 0; i < 50; i++ {
		qReplies = append(qReplies, "0")
	}
	quarantined := &scriptedClient{name: "q", replies: qReplies}

	o := New(main, quarantined, zerolog.Nop())
	o.MaxRounds = 4
	result, err := o.Run(context.Background(), "data", "request")
	require.NoError(t, err)

	assert.Len(t, result.Rounds, 4)
	// At most N+1 main calls and N quarantined calls.
	assert.Equal(t, 5, main.calls)
	assert.Equal(t, 4, quarantined.calls)
	assert.Equal(t, "summary after ceiling", result.Summary)
}

func TestRunMalformedAnswerRetriesOnceThenLastOption(t *testing.T) {
	main := &scriptedClient{name: "main", replies: []string{
		question("Pick one", "a", "b", "other"),
		doneReply,
		"done summary",
	}}
	quarantined := &scriptedClient{name: "q", replies: []string{
		"As an AI assistant I would say the document is clearly option A!",
		"definitely A",
	}}

	o := New(main, quarantined, zerolog.Nop())
	result, err := o.Run(context.Background(), "data", "request")
	require.NoError(t, err)

	require.Len(t, result.Rounds, 1)
	assert.Equal(t, 2, result.Rounds[0].ChosenIndex, "falls back to the last option")
	assert.Equal(t, 2, quarantined.calls, "exactly one retry")
}

func TestRunOutOfRangeAnswerRecoveredOnRetry(t *testing.T) {
	main := &scriptedClient{name: "main", replies: []string{
		question("Pick one", "a", "b"),
		doneReply,
		"s",
	}}
	quarantined := &scriptedClient{name: "q", replies: []string{"7", "1"}}

	o := New(main, quarantined, zerolog.Nop())
	result, err := o.Run(context.Background(), "data", "request")
	require.NoError(t, err)

	require.Len(t, result.Rounds, 1)
	assert.Equal(t, 1, result.Rounds[0].ChosenIndex)
}

func TestRunInvalidMainReplyAborts(t *testing.T) {
	main := &scriptedClient{name: "main", replies: []string{
		`{"unexpected":"shape"}`,
	}}
	quarantined := &scriptedClient{name: "q"}

	o := New(main, quarantined, zerolog.Nop())
	result, err := o.Run(context.Background(), "raw secret data", "request")
	require.NoError(t, err)

	assert.Equal(t, IncompleteSummary, result.Summary)
	assert.Empty(t, result.Rounds)
	assert.Zero(t, quarantined.calls)
	assert.Equal(t, 1, main.calls, "schema-native clients are not re-asked")
	assert.NotContains(t, result.Summary, "raw secret data")
}

func TestRunPromptedClientReAskedOnInvalidReply(t *testing.T) {
	main := &scriptedClient{name: "main", prompted: true, replies: []string{
		"Sure! Here is my question in prose instead of JSON.",
		question("Pick one", "a", "b"),
		doneReply,
		"recovered summary",
	}}
	quarantined := &scriptedClient{name: "q", replies: []string{"1"}}

	o := New(main, quarantined, zerolog.Nop())
	result, err := o.Run(context.Background(), "data", "request")
	require.NoError(t, err)

	require.Len(t, result.Rounds, 1)
	assert.Equal(t, "recovered summary", result.Summary)
	assert.Equal(t, 4, main.calls, "exactly one re-ask")
}

func TestRunPromptedClientAbortsAfterSecondInvalidReply(t *testing.T) {
	main := &scriptedClient{name: "main", prompted: true, replies: []string{
		"not json",
		"still not json",
	}}
	quarantined := &scriptedClient{name: "q"}

	o := New(main, quarantined, zerolog.Nop())
	result, err := o.Run(context.Background(), "raw secret data", "request")
	require.NoError(t, err)

	assert.Equal(t, IncompleteSummary, result.Summary)
	assert.Equal(t, 2, main.calls)
	assert.Zero(t, quarantined.calls)
}

func TestRunMainTransportErrorPropagates(t *testing.T) {
	main := &scriptedClient{name: "main"} // no replies: next() errors
	quarantined := &scriptedClient{name: "q"}

	o := New(main, quarantined, zerolog.Nop())
	_, err := o.Run(context.Background(), "data", "request")
	assert.Error(t, err)
}

func TestRunSummaryHTMLStripped(t *testing.T) {
	main := &scriptedClient{name: "main", replies: []string{
		doneReply,
		`An email <script>alert(1)</script> from <b>Bob</b>.`,
	}}
	o := New(main, &scriptedClient{name: "q"}, zerolog.Nop())

	result, err := o.Run(context.Background(), "data", "request")
	require.NoError(t, err)
	assert.Equal(t, "An email  from Bob.", result.Summary)
}

func TestRunSummaryKeepsPlainPunctuation(t *testing.T) {
	main := &scriptedClient{name: "main", replies: []string{
		doneReply,
		`The sender said "refund & close" the account.`,
	}}
	o := New(main, &scriptedClient{name: "q"}, zerolog.Nop())

	result, err := o.Run(context.Background(), "data", "request")
	require.NoError(t, err)
	assert.Equal(t, `The sender said "refund & close" the account.`, result.Summary)
}

// staticClient answers every call the same way, so concurrent runs on
// one shared orchestrator do not depend on queue interleaving.
type staticClient struct {
	summary string
}

func (s *staticClient) Name() string         { return "static" }
func (s *staticClient) SupportsSchema() bool { return true }

func (s *staticClient) Chat(_ context.Context, _ []model.CommonMessage, _ float64) (string, error) {
	return s.summary, nil
}

func (s *staticClient) ChatWithSchema(_ context.Context, _ []model.CommonMessage, _ map[string]interface{}, _ float64) (json.RawMessage, error) {
	return json.RawMessage(doneReply), nil
}

func TestRunConcurrentOnSharedOrchestrator(t *testing.T) {
	const want = `A "routine" status update & nothing more.`
	o := New(&staticClient{summary: want}, &staticClient{}, zerolog.Nop())

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := o.Run(context.Background(), "raw data", "request")
			errs[i] = err
			if r != nil {
				results[i] = r.Summary
			}
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
}

func TestMainAgentNeverSeesRawContent(t *testing.T) {
	main := &scriptedClient{name: "main", replies: []string{
		question("Pick", "a", "b"),
		doneReply,
		"summary",
	}}
	quarantined := &scriptedClient{name: "q", replies: []string{"0"}}

	o := New(main, quarantined, zerolog.Nop())
	_, err := o.Run(context.Background(), "TOP-SECRET-PAYLOAD", "request")
	require.NoError(t, err)

	for _, m := range main.lastMsg {
		assert.NotContains(t, m.Content, "TOP-SECRET-PAYLOAD")
	}
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		in     string
		count  int
		want   int
		wantOK bool
	}{
		{"1", 3, 1, true},
		{" 2 \n", 3, 2, true},
		{"Option 2.", 3, 2, true},
		{"3", 3, 0, false},
		{"-1", 3, 0, false},
		{"none of these", 3, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseChoice(tt.in, tt.count)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		if tt.wantOK {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}
