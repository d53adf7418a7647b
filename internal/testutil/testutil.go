// Package testutil provides common test utilities and fakes for PersonaPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// TB is the subset of testing.TB the assertion helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// SeedTestData adds sample receipts and profiles to the store.
func SeedTestData(t TB, st store.Store) {
	t.Helper()

	testReceipts := []models.Receipt{
		{To: "u1", Status: models.MessageStatusSent, Time: 1},
		{To: "u2", Status: models.MessageStatusDelivered, Time: 2},
	}
	for _, receipt := range testReceipts {
		if err := st.AddReceipt(receipt); err != nil {
			t.Fatalf("failed to add test receipt: %v", err)
		}
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := models.NewProfile("u1", now)
	p.Merge(map[string]string{models.AttrFirstName: "Karim", models.AttrAge: "25"}, now)
	if err := st.SaveProfile(p); err != nil {
		t.Fatalf("failed to add test profile: %v", err)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// LLMReply is one queued FakeLLM result.
type LLMReply struct {
	Text string
	Err  error
}

// FakeLLM implements genai.ClientInterface. Replies are served from the queue first,
// then from Respond when set, then Default.
type FakeLLM struct {
	mu      sync.Mutex
	queue   []LLMReply
	calls   [][]genai.Message
	Respond func(msgs []genai.Message) (string, error)
	Default LLMReply
}

var _ genai.ClientInterface = (*FakeLLM)(nil)

// NewFakeLLM returns a FakeLLM that queues the given successful replies.
func NewFakeLLM(replies ...string) *FakeLLM {
	f := &FakeLLM{}
	for _, r := range replies {
		f.queue = append(f.queue, LLMReply{Text: r})
	}
	return f
}

// Enqueue adds one result to the queue.
func (f *FakeLLM) Enqueue(text string, err error) *FakeLLM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, LLMReply{Text: text, Err: err})
	return f
}

// SetDefault sets the result returned once the queue is empty.
func (f *FakeLLM) SetDefault(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Default = LLMReply{Text: text, Err: err}
}

func (f *FakeLLM) GenerateWithMessages(ctx context.Context, msgs []genai.Message) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]genai.Message(nil), msgs...))
	if len(f.queue) > 0 {
		r := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return r.Text, r.Err
	}
	respond, def := f.Respond, f.Default
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if respond != nil {
		return respond(msgs)
	}
	return def.Text, def.Err
}

// Calls returns every message list the fake received.
func (f *FakeLLM) Calls() [][]genai.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]genai.Message(nil), f.calls...)
}

// CallCount returns the number of calls received.
func (f *FakeLLM) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// LastCall returns the most recent message list, or nil.
func (f *FakeLLM) LastCall() []genai.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// SeqRand is a deterministic random source. Float64 and IntN cycle through their
// sequences; an empty Floats yields 0.99 and an empty Ints yields 0.
type SeqRand struct {
	mu     sync.Mutex
	Floats []float64
	Ints   []int
	fi, ii int
}

// Float64 returns the next float in the sequence.
func (r *SeqRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Floats) == 0 {
		return 0.99
	}
	v := r.Floats[r.fi%len(r.Floats)]
	r.fi++
	return v
}

// IntN returns the next int in the sequence, reduced modulo n.
func (r *SeqRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Ints) == 0 || n <= 0 {
		return 0
	}
	v := r.Ints[r.ii%len(r.Ints)]
	r.ii++
	return v % n
}

// Clock is a manually advanced clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a Clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
