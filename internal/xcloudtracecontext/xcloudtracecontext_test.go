package xcloudtracecontext_test

import (
	"github.com/cirruslabs/termdesk/internal/xcloudtracecontext"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestParse(t *testing.T) {
	var testCases = []struct {
		Header   string
		Expected xcloudtracecontext.TraceContext
		OK       bool
	}{
		{
			Header: "105445aa7843bc8bf206b120001000/1;o=1",
			Expected: xcloudtracecontext.TraceContext{
				TraceID: "105445aa7843bc8bf206b120001000", SpanID: "1", Sampled: true,
			},
			OK: true,
		},
		{
			Header:   "105445aa7843bc8bf206b120001000/0;o=0",
			Expected: xcloudtracecontext.TraceContext{TraceID: "105445aa7843bc8bf206b120001000"},
			OK:       true,
		},
		{
			Header:   "105445aa7843bc8bf206b120001000",
			Expected: xcloudtracecontext.TraceContext{TraceID: "105445aa7843bc8bf206b120001000"},
			OK:       true,
		},
		{Header: ""},
		{Header: "/1;o=1"},
		{Header: "not a trace"},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.Header, func(t *testing.T) {
			traceContext, ok := xcloudtracecontext.Parse(testCase.Header)
			assert.Equal(t, testCase.OK, ok)
			assert.Equal(t, testCase.Expected, traceContext)
		})
	}
}
