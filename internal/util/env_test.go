package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("PP_TEST_STR", "  bonjour ")
	assert.Equal(t, "bonjour", GetEnv("PP_TEST_STR", "x"))
	t.Setenv("PP_TEST_STR", "   ")
	assert.Equal(t, "x", GetEnv("PP_TEST_STR", "x"))
	assert.Equal(t, "y", GetEnv("PP_TEST_UNSET_STR", "y"))
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"", false, false},
		{"TRUE", false, true},
		{"yes", false, true},
		{"on", false, true},
		{"1", false, true},
		{"off", true, false},
		{"No", true, false},
		{"0", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("PP_TEST_BOOL", tt.value)
		assert.Equal(t, tt.want, ParseBoolEnv("PP_TEST_BOOL", tt.def), "value %q", tt.value)
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 30 * time.Minute
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"1h", time.Hour},
		{"90s", 90 * time.Second},
		{"45", 45 * time.Second},
		{"0", def},
		{"-5m", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Setenv("PP_TEST_DUR", tt.value)
		assert.Equal(t, tt.want, ParseDurationEnv("PP_TEST_DUR", def), "value %q", tt.value)
	}
}

func TestParseFloatEnv(t *testing.T) {
	t.Setenv("PP_TEST_FLOAT", "0.3")
	assert.InDelta(t, 0.3, ParseFloatEnv("PP_TEST_FLOAT", 0.15, 0, 1), 1e-9)
	t.Setenv("PP_TEST_FLOAT", "1.5")
	assert.Equal(t, 0.15, ParseFloatEnv("PP_TEST_FLOAT", 0.15, 0, 1))
	t.Setenv("PP_TEST_FLOAT", "abc")
	assert.Equal(t, 0.15, ParseFloatEnv("PP_TEST_FLOAT", 0.15, 0, 1))
}
