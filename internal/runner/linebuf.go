// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"regexp"
	"strings"
)

var tripleNewline = regexp.MustCompile(`\n{3,}`)

// NormalizeChunk applies carriage-return normalization to a raw output chunk:
// CRLF becomes LF, a line containing bare CRs keeps only the substring after
// the last CR (progress-bar overwrites render as their final frame), and runs
// of three or more newlines collapse to two.
func NormalizeChunk(chunk string) string {
	chunk = strings.ReplaceAll(chunk, "\r\n", "\n")
	if strings.ContainsRune(chunk, '\r') {
		lines := strings.Split(chunk, "\n")
		for i, line := range lines {
			if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
				lines[i] = line[idx+1:]
			}
		}
		chunk = strings.Join(lines, "\n")
	}
	return tripleNewline.ReplaceAllString(chunk, "\n\n")
}

// LineBuffer splits a chunked stream into complete lines, keeping the
// trailing partial line for the next chunk. Concatenating every returned
// line plus the final Flush equals the normalized input stream: buffering
// is lossless.
type LineBuffer struct {
	residual strings.Builder
}

// Append ingests one normalized chunk and returns the complete lines it
// closed, without trailing newlines.
func (b *LineBuffer) Append(chunk string) []string {
	if chunk == "" {
		return nil
	}
	b.residual.WriteString(chunk)
	buffered := b.residual.String()

	last := strings.LastIndexByte(buffered, '\n')
	if last < 0 {
		return nil
	}

	complete := buffered[:last]
	b.residual.Reset()
	b.residual.WriteString(buffered[last+1:])

	return strings.Split(complete, "\n")
}

// Flush returns the residual partial line, if any, and resets the buffer.
func (b *LineBuffer) Flush() string {
	out := b.residual.String()
	b.residual.Reset()
	return out
}
