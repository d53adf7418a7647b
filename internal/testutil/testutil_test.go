package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			assert.Equal(t, tt.shouldFail, mockT.failed)
			assert.True(t, mockT.helper)
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		expected   string
		shouldFail bool
	}{
		{"matching status", `{"status":"ok","result":1}`, "ok", false},
		{"different status", `{"status":"error"}`, "ok", true},
		{"missing status", `{"result":1}`, "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.WriteString(tt.body)
			mockT := &mockTestingT{}
			resp := AssertJSONResponse(mockT, rr, tt.expected)
			assert.Equal(t, tt.shouldFail, mockT.failed)
			assert.NotNil(t, resp)
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/sessions", map[string]string{"a": "b"})
	assert.Equal(t, http.MethodPost, req.Method)
	var body map[string]string
	MustUnmarshalJSON(t, mustRead(t, req), &body)
	assert.Equal(t, "b", body["a"])

	req = CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, int64(0), req.ContentLength)
}

func mustRead(t *testing.T, req *http.Request) []byte {
	t.Helper()
	buf, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	return buf
}

func TestSeedTestData(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedTestData(t, st)

	receipts, err := st.GetReceipts()
	require.NoError(t, err)
	assert.Len(t, receipts, 2)

	p, err := st.GetProfile("u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Karim", p.FirstName())
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, models.Receipt{To: "u1", Status: models.MessageStatusSent, Time: 3})
	assert.JSONEq(t, `{"to":"u1","status":"sent","time":3}`, string(data))
}

func TestFakeLLM(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	f := NewFakeLLM("premier").Enqueue("", boom)
	f.SetDefault("défaut", nil)

	out, err := f.GenerateWithMessages(ctx, []genai.Message{{Role: genai.RoleUser, Content: "a"}})
	require.NoError(t, err)
	assert.Equal(t, "premier", out)

	_, err = f.GenerateWithMessages(ctx, nil)
	assert.ErrorIs(t, err, boom)

	out, err = f.GenerateWithMessages(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "défaut", out)

	f.Respond = func(msgs []genai.Message) (string, error) { return fmt.Sprintf("%d", len(msgs)), nil }
	out, _ = f.GenerateWithMessages(ctx, []genai.Message{{}, {}})
	assert.Equal(t, "2", out)

	assert.Equal(t, 4, f.CallCount())
	assert.Len(t, f.LastCall(), 2)
	assert.Equal(t, "a", f.Calls()[0][0].Content)
}

func TestFakeLLM_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFakeLLM().GenerateWithMessages(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSeqRand(t *testing.T) {
	r := &SeqRand{Floats: []float64{0.1, 0.5}, Ints: []int{3, 7}}
	assert.Equal(t, 0.1, r.Float64())
	assert.Equal(t, 0.5, r.Float64())
	assert.Equal(t, 0.1, r.Float64())
	assert.Equal(t, 3, r.IntN(5))
	assert.Equal(t, 2, r.IntN(5))

	empty := &SeqRand{}
	assert.Equal(t, 0.99, empty.Float64())
	assert.Equal(t, 0, empty.IntN(4))
}

func TestClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := NewClock(start)
	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())
	c.Set(start)
	assert.Equal(t, start, c.Now())
}

// mockTestingT implements TB for testing our test helpers
type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() {
	m.helper = true
}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Error(args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}
