package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeChunk_CRLF(t *testing.T) {
	assert.Equal(t, "a\nb\n", NormalizeChunk("a\r\nb\r\n"))
}

func TestNormalizeChunk_ProgressOverwriteKeepsFinalFrame(t *testing.T) {
	assert.Equal(t, "100%", NormalizeChunk("10%\r50%\r100%"))
	assert.Equal(t, "done\nnext", NormalizeChunk("working\rdone\nnext"))
}

func TestNormalizeChunk_CollapsesNewlineRuns(t *testing.T) {
	assert.Equal(t, "a\n\nb", NormalizeChunk("a\n\n\n\n\nb"))
	assert.Equal(t, "a\n\nb", NormalizeChunk("a\n\nb"))
}

func TestLineBuffer_SplitsAcrossChunks(t *testing.T) {
	var b LineBuffer
	assert.Nil(t, b.Append("par"))
	lines := b.Append("tial\nsecond li")
	assert.Equal(t, []string{"partial"}, lines)
	lines = b.Append("ne\n")
	assert.Equal(t, []string{"second line"}, lines)
	assert.Equal(t, "", b.Flush())
}

func TestLineBuffer_FlushReturnsResidual(t *testing.T) {
	var b LineBuffer
	b.Append("no newline yet")
	assert.Equal(t, "no newline yet", b.Flush())
	assert.Equal(t, "", b.Flush())
}

func TestLineBuffer_Lossless(t *testing.T) {
	stream := "one\ntwo\nthree\nfour with trailing"
	chunks := []string{"on", "e\ntw", "o\nthree\nfou", "r with trailing"}

	var b LineBuffer
	var rebuilt []string
	for _, c := range chunks {
		rebuilt = append(rebuilt, b.Append(c)...)
	}
	if residual := b.Flush(); residual != "" {
		rebuilt = append(rebuilt, residual)
	}
	assert.Equal(t, stream, strings.Join(rebuilt, "\n"))
}
